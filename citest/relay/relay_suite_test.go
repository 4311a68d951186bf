package relay_test

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chatrelay/chatrelay/internal/discovery"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/relayclient"
	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/internal/stream"
)

var (
	relaySrv  *server.Server
	relayHTTP *httptest.Server
	relayPort int
	sessions  *stream.Manager
	client    *relayclient.Client
	ctx       context.Context
)

func TestRelay(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Relay Suite")
}

var _ = BeforeSuite(func() {
	registry := provider.NewRegistry()
	registry.Register(&provider.Simulated{ChunkDelay: time.Millisecond})

	sessions = stream.NewManager(time.Minute, nil)

	cfg := server.DefaultConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	relaySrv = server.New(cfg, registry, sessions, nil)

	relayHTTP = httptest.NewServer(relaySrv.Router())

	u, err := url.Parse(relayHTTP.URL)
	Expect(err).NotTo(HaveOccurred())
	relayPort, err = strconv.Atoi(u.Port())
	Expect(err).NotTo(HaveOccurred())

	resolver := discovery.NewResolver(discovery.WithCandidatePorts([]int{relayPort}))
	client = relayclient.New(resolver, relayclient.Options{})
	ctx = context.Background()
})

var _ = AfterSuite(func() {
	if relayHTTP != nil {
		relayHTTP.Close()
	}
	if sessions != nil {
		sessions.Close()
	}
})

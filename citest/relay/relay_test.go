package relay_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/relayclient"
	"github.com/chatrelay/chatrelay/internal/stream"
)

var _ = Describe("Relay Workflows", func() {
	Describe("Discovery", func() {
		It("resolves the relay through the candidate list", func() {
			baseURL, err := client.Resolver().ResolveBaseURL(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(baseURL).To(ContainSubstring("127.0.0.1"))
		})

		It("answers the health probe", func() {
			Expect(client.Resolver().CheckHealth(ctx, relayHTTP.URL)).To(Succeed())
		})
	})

	Describe("HTTP chat", func() {
		It("streams a reply chunk by chunk", func() {
			var chunks []string
			result, err := client.Chat(ctx,
				[]provider.Message{{Role: "user", Content: "hello"}}, "",
				func(chunk string) { chunks = append(chunks, chunk) })

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Simulated).To(BeFalse())
			Expect(chunks).NotTo(BeEmpty())
			Expect(strings.Join(chunks, "")).To(Equal(result.Content))
			Expect(result.Content).To(Equal(provider.SimulatedText("hello")))
		})

		It("answers a blocking chat with the full reply", func() {
			result, err := client.ChatBlocking(ctx,
				[]provider.Message{{Role: "user", Content: "all at once"}}, "")

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Content).To(Equal(provider.SimulatedText("all at once")))
		})
	})

	Describe("Models and status", func() {
		It("lists models", func() {
			models, err := client.Models(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(models).NotTo(BeEmpty())
			Expect(models[0].ID).To(Equal("copilot-gpt-4"))
		})

		It("reports a connected status with counts", func() {
			status, err := client.Status(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Status).To(Equal("connected"))
		})
	})

	Describe("WebSocket chat", func() {
		var conn *relayclient.WSConn

		BeforeEach(func() {
			var err error
			conn, err = client.ConnectWS(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			if conn != nil {
				conn.Close()
			}
		})

		It("answers ping", func() {
			Expect(conn.Ping(ctx)).To(Succeed())
		})

		It("lists models over the socket", func() {
			models, err := conn.Models(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(models).NotTo(BeEmpty())
		})

		It("streams chat over the socket", func() {
			var chunks []string
			result, err := conn.Chat(ctx,
				[]provider.Message{{Role: "user", Content: "socket"}}, "",
				func(chunk string) { chunks = append(chunks, chunk) })

			Expect(err).NotTo(HaveOccurred())
			Expect(strings.Join(chunks, "")).To(Equal(result.Content))
		})

		It("counts the connection in /api/status", func() {
			status, err := client.Status(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Clients).To(BeNumerically(">=", 1))
		})
	})

	Describe("Session lifecycle", func() {
		It("keeps terminal sessions inspectable and cancellable only explicitly", func() {
			_, err := client.ChatBlocking(ctx,
				[]provider.Message{{Role: "user", Content: "inspect me"}}, "")
			Expect(err).NotTo(HaveOccurred())

			all := sessions.All()
			Expect(all).NotTo(BeEmpty())

			last := all[len(all)-1]
			Expect(last.Status()).To(Equal(stream.StatusCompleted))

			// Cancelling a completed session is a no-op: the first
			// terminal transition wins.
			Expect(client.CancelSession(ctx, last.ID())).To(Succeed())
			Expect(last.Status()).To(Equal(stream.StatusCompleted))
		})
	})
})

package portarbiter

import (
	"os"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// psutilTable is the real ProcessTable, backed by gopsutil instead of
// shelling out to lsof/kill.
type psutilTable struct{}

func newPSUtilTable() ProcessTable {
	return psutilTable{}
}

// ListeningPIDs scans the TCP connection table for LISTEN sockets on port.
func (psutilTable) ListeningPIDs(port int) ([]int32, error) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return nil, err
	}

	seen := make(map[int32]bool)
	var pids []int32
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Laddr.Port != uint32(port) {
			continue
		}
		if conn.Pid == 0 || seen[conn.Pid] {
			continue
		}
		seen[conn.Pid] = true
		pids = append(pids, conn.Pid)
	}
	return pids, nil
}

// Terminate kills the process outright. Port reclamation wants the socket
// gone now, not a graceful shutdown.
func (psutilTable) Terminate(pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func currentPID() int {
	return os.Getpid()
}

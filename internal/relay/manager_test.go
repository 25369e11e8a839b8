package relay

import (
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeStream stands in for streamlink: prints a marker, then idles like a
// healthy relay process.
func fakeStream(url, quality string) *exec.Cmd {
	return exec.Command("sh", "-c", "echo streaming; exec sleep 60")
}

// fakeExit stands in for a relay process whose stream ended.
func fakeExit(url, quality string) *exec.Cmd {
	return exec.Command("sh", "-c", "echo done")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAttachSharesProcess(t *testing.T) {
	m := NewManager(fakeStream, slog.Default())
	defer m.KillAll()

	client := ClientInfo{RemoteAddr: "10.0.0.1:1234", UserAgent: "vlc"}
	first, err := m.Attach("https://example.invalid/one", "best", client)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer first.Close()

	select {
	case chunk := <-first.C:
		if string(chunk) != "streaming\n" {
			t.Fatalf("chunk = %q, want %q", chunk, "streaming\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no chunk received from relay process")
	}

	second, err := m.Attach("https://example.invalid/one", "best", ClientInfo{RemoteAddr: "10.0.0.2:5678", UserAgent: "mpv"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer second.Close()

	infos := m.Info()
	if len(infos) != 1 {
		t.Fatalf("Info() returned %d processes, want 1 shared", len(infos))
	}
	if len(infos[0].Clients) != 2 {
		t.Fatalf("Clients = %d, want 2", len(infos[0].Clients))
	}
	if !infos[0].Running {
		t.Fatal("process reported not running")
	}
}

func TestDetachKeepsProcessRunning(t *testing.T) {
	m := NewManager(fakeStream, slog.Default())
	defer m.KillAll()

	sub, err := m.Attach("https://example.invalid/one", "best", ClientInfo{RemoteAddr: "10.0.0.1:1234"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	sub.Close()

	infos := m.Info()
	if len(infos) != 1 {
		t.Fatalf("Info() returned %d processes, want 1", len(infos))
	}
	if len(infos[0].Clients) != 0 {
		t.Fatalf("Clients = %d after detach, want 0", len(infos[0].Clients))
	}
	if !infos[0].Running {
		t.Fatal("process stopped when last client detached")
	}
}

func TestEndedProcessIsRestarted(t *testing.T) {
	m := NewManager(fakeExit, slog.Default())
	defer m.KillAll()

	first, err := m.Attach("https://example.invalid/one", "best", ClientInfo{RemoteAddr: "10.0.0.1:1234"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	// The subprocess exits on its own; the subscription channel closes.
	waitFor(t, func() bool {
		select {
		case _, open := <-first.C:
			return !open
		default:
			return false
		}
	}, "subscription never closed after process exit")

	second, err := m.Attach("https://example.invalid/one", "best", ClientInfo{RemoteAddr: "10.0.0.1:1234"})
	if err != nil {
		t.Fatalf("Attach() after exit error = %v", err)
	}
	defer second.Close()

	select {
	case chunk := <-second.C:
		if string(chunk) != "done\n" {
			t.Fatalf("chunk = %q, want output of restarted process", chunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("restarted process produced no output")
	}
}

func TestClientGaugeSettlesAfterProcessExit(t *testing.T) {
	m := NewManager(fakeExit, slog.Default())
	defer m.KillAll()

	before := testutil.ToFloat64(clientsGauge)

	sub, err := m.Attach("https://example.invalid/one", "best", ClientInfo{RemoteAddr: "10.0.0.1:1234"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	waitFor(t, func() bool {
		select {
		case _, open := <-sub.C:
			return !open
		default:
			return false
		}
	}, "subscription never closed after process exit")

	// The subscribers swept up by the exiting process count down the same
	// gauge a detach does.
	waitFor(t, func() bool {
		return testutil.ToFloat64(clientsGauge) == before
	}, "relay_clients did not settle after process exit")

	sub.Close()
	if got := testutil.ToFloat64(clientsGauge); got != before {
		t.Fatalf("relay_clients = %v after late Close, want %v", got, before)
	}
}

func TestAttachToJustEndedProcessGetsClosedChannel(t *testing.T) {
	p := &process{
		url:     "https://example.invalid/one",
		clients: make(map[string]ClientInfo),
		subs:    make(map[string]chan []byte),
	}
	p.exited = true

	ch, registered := p.addSubscriber("sub-1", ClientInfo{RemoteAddr: "10.0.0.1:1234"})
	if registered {
		t.Fatal("addSubscriber() registered a client on an ended process")
	}
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("channel delivered a chunk from an ended process")
		}
	default:
		t.Fatal("channel from an ended process not closed")
	}
	if len(p.subs) != 0 || len(p.clients) != 0 {
		t.Fatalf("ended process retained subscribers: %d subs, %d clients", len(p.subs), len(p.clients))
	}
}

func TestKill(t *testing.T) {
	m := NewManager(fakeStream, slog.Default())
	defer m.KillAll()

	sub, err := m.Attach("https://example.invalid/one", "best", ClientInfo{RemoteAddr: "10.0.0.1:1234"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if !m.Kill("https://example.invalid/one") {
		t.Fatal("Kill() = false for a running process")
	}

	waitFor(t, func() bool {
		for {
			select {
			case _, open := <-sub.C:
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, "subscription not closed after Kill")

	if m.Kill("https://example.invalid/one") {
		t.Fatal("Kill() = true for an already-killed process")
	}
	if len(m.Info()) != 0 {
		t.Fatal("Info() still lists the killed process")
	}
}

func TestKillAll(t *testing.T) {
	m := NewManager(fakeStream, slog.Default())

	for _, url := range []string{"https://example.invalid/one", "https://example.invalid/two"} {
		if _, err := m.Attach(url, "best", ClientInfo{RemoteAddr: "10.0.0.1:1234"}); err != nil {
			t.Fatalf("Attach(%s) error = %v", url, err)
		}
	}
	if len(m.Info()) != 2 {
		t.Fatalf("Info() = %d processes, want 2", len(m.Info()))
	}

	m.KillAll()

	if len(m.Info()) != 0 {
		t.Fatal("Info() still lists processes after KillAll")
	}
}

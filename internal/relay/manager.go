package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	processesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_processes",
		Help: "Number of running streamlink processes",
	})
	clientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_clients",
		Help: "Number of connected relay clients across all processes",
	})
)

func init() {
	prometheus.MustRegister(processesGauge, clientsGauge)
}

const (
	chunkSize       = 4096
	killGracePeriod = 5 * time.Second
	// Per-subscriber buffer; a client this far behind starts dropping
	// chunks instead of stalling the pump.
	subscriberBuffer = 64
)

// CommandFunc builds the relay subprocess for a stream URL and quality.
type CommandFunc func(url, quality string) *exec.Cmd

// StreamlinkCommand is the production CommandFunc.
func StreamlinkCommand(binary string) CommandFunc {
	return func(url, quality string) *exec.Cmd {
		return exec.Command(binary, url, quality, "--hls-live-restart", "--stdout")
	}
}

// ClientInfo identifies one attached playback client.
type ClientInfo struct {
	RemoteAddr string `json:"ip"`
	UserAgent  string `json:"userAgent"`
}

// ProcessInfo is the management view of one relay process.
type ProcessInfo struct {
	URL       string       `json:"url"`
	Quality   string       `json:"quality"`
	Clients   []ClientInfo `json:"clients"`
	Running   bool         `json:"running"`
	StartTime time.Time    `json:"startTime"`
}

// Manager tracks one relay subprocess per stream URL and shares it between
// clients. A client detaching never stops the process; only Kill and
// KillAll do, or the stream ending upstream.
type Manager struct {
	newCmd CommandFunc
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	url       string
	quality   string
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	startedAt time.Time

	mu      sync.Mutex
	clients map[string]ClientInfo
	subs    map[string]chan []byte
	exited  bool
}

// Subscription is one client's attachment to a relay process. Chunks arrive
// on C; the channel closes when the process ends or is killed.
type Subscription struct {
	C <-chan []byte

	id  string
	mgr *Manager
	url string
}

func NewManager(newCmd CommandFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		newCmd: newCmd,
		logger: logger,
		procs:  make(map[string]*process),
	}
}

// Attach returns a subscription to the relay process for url, starting one
// if none is running. A process whose subprocess has exited is replaced.
func (m *Manager) Attach(url, quality string, client ClientInfo) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proc, ok := m.procs[url]
	if ok && proc.hasExited() {
		m.logger.Info("relay process has ended, restarting", "url", url)
		delete(m.procs, url)
		processesGauge.Dec()
		ok = false
	}

	fresh := false
	if !ok {
		started, err := m.startProcess(url, quality)
		if err != nil {
			return nil, err
		}
		m.procs[url] = started
		processesGauge.Inc()
		proc = started
		fresh = true
	}

	id := uuid.NewString()
	ch, registered := proc.addSubscriber(id, client)
	if registered {
		clientsGauge.Inc()
	}
	if fresh {
		// Pump starts after the first subscriber is in place so the
		// opening chunks are not lost.
		go proc.pump(m.logger)
	}
	m.logger.Info("relay client attached", "url", url, "client", client.RemoteAddr, "clients", proc.clientCount())

	return &Subscription{C: ch, id: id, mgr: m, url: url}, nil
}

// Close detaches the client. The process keeps running for other clients.
func (s *Subscription) Close() {
	s.mgr.mu.Lock()
	proc, ok := s.mgr.procs[s.url]
	s.mgr.mu.Unlock()
	if !ok {
		return
	}
	if proc.removeSubscriber(s.id) {
		clientsGauge.Dec()
		s.mgr.logger.Info("relay client detached", "url", s.url, "clients", proc.clientCount())
	}
}

func (m *Manager) startProcess(url, quality string) (*process, error) {
	cmd := m.newCmd(url, quality)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start relay process: %w", err)
	}

	proc := &process{
		url:       url,
		quality:   quality,
		cmd:       cmd,
		stdout:    stdout,
		startedAt: time.Now(),
		clients:   make(map[string]ClientInfo),
		subs:      make(map[string]chan []byte),
	}

	m.logger.Info("started relay process", "url", url, "quality", quality, "pid", cmd.Process.Pid)
	return proc, nil
}

// pump fans the subprocess stdout out to all subscribers. Slow subscribers
// drop chunks rather than stall the others.
func (p *process) pump(logger *slog.Logger) {
	buf := make([]byte, chunkSize)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.broadcast(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("relay stdout read failed", "url", p.url, "err", err)
			}
			break
		}
	}

	_ = p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	dropped := len(p.subs)
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
		delete(p.clients, id)
	}
	p.mu.Unlock()
	clientsGauge.Sub(float64(dropped))
	logger.Info("relay process ended", "url", p.url)
}

func (p *process) broadcast(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// addSubscriber registers the client unless the process already ended; in
// that case it hands back a closed channel so the reader returns at once.
func (p *process) addSubscriber(id string, client ClientInfo) (chan []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan []byte, subscriberBuffer)
	if p.exited {
		close(ch)
		return ch, false
	}
	p.clients[id] = client
	p.subs[id] = ch
	return ch, true
}

func (p *process) removeSubscriber(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.subs[id]
	if !ok {
		return false
	}
	close(ch)
	delete(p.subs, id)
	delete(p.clients, id)
	return true
}

func (p *process) clientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *process) hasExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Kill stops the process for url. Reports whether one was found.
func (m *Manager) Kill(url string) bool {
	m.mu.Lock()
	proc, ok := m.procs[url]
	if ok {
		delete(m.procs, url)
		processesGauge.Dec()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.stop(proc)
	return true
}

// KillAll stops every running process.
func (m *Manager) KillAll() {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.procs))
	for url, proc := range m.procs {
		procs = append(procs, proc)
		delete(m.procs, url)
		processesGauge.Dec()
	}
	m.mu.Unlock()

	for _, proc := range procs {
		m.stop(proc)
	}
}

func (m *Manager) stop(proc *process) {
	if proc.hasExited() {
		return
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		m.logger.Warn("terminate relay process failed", "url", proc.url, "err", err)
	}

	done := make(chan struct{})
	go func() {
		for !proc.hasExited() {
			time.Sleep(50 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(killGracePeriod):
		_ = proc.cmd.Process.Kill()
		// Unblock the pump even if an orphaned grandchild still holds
		// the write end of the pipe.
		_ = proc.stdout.Close()
		<-done
	}
	m.logger.Info("killed relay process", "url", proc.url)
}

// Info lists all tracked processes for the management endpoint.
func (m *Manager) Info() []ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(m.procs))
	for _, proc := range m.procs {
		proc.mu.Lock()
		clients := make([]ClientInfo, 0, len(proc.clients))
		for _, c := range proc.clients {
			clients = append(clients, c)
		}
		infos = append(infos, ProcessInfo{
			URL:       proc.url,
			Quality:   proc.quality,
			Clients:   clients,
			Running:   !proc.exited,
			StartTime: proc.startedAt,
		})
		proc.mu.Unlock()
	}
	return infos
}

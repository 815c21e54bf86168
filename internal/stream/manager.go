// Package stream owns the single shared SSE connection to the agent
// backend's event feed. It fans raw frames out to subscribers, tracks
// reference-counted directory interest, reconnects with backoff, and
// forwards advisory visibility reports.
package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"overseer/internal/logging"
)

// Frame is one decoded SSE data payload, exactly as sent by the backend.
type Frame []byte

const (
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 15 * time.Second
	frameBufferSize       = 256
)

// VisibilityReporter forwards page-visibility hints to the backend so it
// can throttle delivery. Purely advisory; errors are logged and ignored.
type VisibilityReporter interface {
	ReportVisibility(ctx context.Context, visible bool, focusedSessionID string) error
}

type Subscription struct {
	frames chan Frame
	state  chan bool
	cancel func()
	once   sync.Once
}

func (s *Subscription) Frames() <-chan Frame { return s.frames }
func (s *Subscription) State() <-chan bool   { return s.state }

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type Config struct {
	BaseURL        string
	Username       string
	Token          string
	HTTPClient     *http.Client
	Logger         logging.Logger
	Reporter       VisibilityReporter
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Manager struct {
	baseURL        string
	username       string
	token          string
	httpClient     *http.Client
	logger         logging.Logger
	reporter       VisibilityReporter
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu         sync.Mutex
	subs       map[int]*Subscription
	nextSub    int
	interests  map[string]int
	visible    bool
	focused    string
	connected  bool
	cancelConn context.CancelFunc
	runCancel  context.CancelFunc
	started    bool

	// wake skips the current backoff wait; poked by Reconnect and by
	// interest changes.
	wake chan struct{}
	done chan struct{}
}

func NewManager(cfg Config) (*Manager, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("stream base url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("stream base url must be absolute")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	max := cfg.MaxBackoff
	if max < initial {
		max = defaultMaxBackoff
	}
	return &Manager{
		baseURL:        strings.TrimRight(parsed.String(), "/"),
		username:       strings.TrimSpace(cfg.Username),
		token:          strings.TrimSpace(cfg.Token),
		httpClient:     httpClient,
		logger:         logger,
		reporter:       cfg.Reporter,
		initialBackoff: initial,
		maxBackoff:     max,
		subs:           map[int]*Subscription{},
		interests:      map[string]int{},
		visible:        true,
		wake:           make(chan struct{}, 1),
	}, nil
}

// Start launches the connection loop. Calling Start twice is an error;
// the manager is built once at boot and passed to consumers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("stream manager already started")
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.runCancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.runCancel
	done := m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Subscribe registers a frame consumer sharing the one underlying
// connection. The state channel immediately carries the current
// connection state so late subscribers do not miss the initial value.
func (m *Manager) Subscribe() *Subscription {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	sub := &Subscription{
		frames: make(chan Frame, frameBufferSize),
		state:  make(chan bool, 4),
	}
	sub.cancel = func() {
		m.mu.Lock()
		current, ok := m.subs[id]
		if ok {
			delete(m.subs, id)
		}
		m.mu.Unlock()
		if ok {
			close(current.frames)
			close(current.state)
		}
	}
	m.subs[id] = sub
	connected := m.connected
	m.mu.Unlock()

	sub.state <- connected
	return sub
}

// AddDirectoryInterest increments the reference count for a directory's
// event scope and returns the matching decrement. The connection scope is
// the union of all directories with a positive count; removing the last
// interest narrows scope without tearing down the shared connection.
func (m *Manager) AddDirectoryInterest(directory string) func() {
	directory = strings.TrimSpace(directory)
	if directory == "" {
		return func() {}
	}
	m.mu.Lock()
	m.interests[directory]++
	changed := m.interests[directory] == 1
	m.mu.Unlock()
	if changed {
		m.rescope()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			count, ok := m.interests[directory]
			if ok {
				count--
				if count <= 0 {
					delete(m.interests, directory)
				} else {
					m.interests[directory] = count
				}
			}
			narrowed := ok && count <= 0
			m.mu.Unlock()
			if narrowed {
				m.rescope()
			}
		})
	}
}

// InterestedDirectories returns the directories with a positive refcount,
// sorted for stable request URLs.
func (m *Manager) InterestedDirectories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.interests))
	for dir := range m.interests {
		out = append(out, dir)
	}
	sort.Strings(out)
	return out
}

// Reconnect forces a fresh connection attempt, used when the host regains
// network or focus.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	cancel := m.cancelConn
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.poke()
}

// ReportVisibility forwards the visibility hint to the backend without
// blocking the caller. It never affects local reconciliation.
func (m *Manager) ReportVisibility(visible bool, focusedSessionID string) {
	m.mu.Lock()
	m.visible = visible
	m.focused = focusedSessionID
	reporter := m.reporter
	m.mu.Unlock()
	if reporter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reporter.ReportVisibility(ctx, visible, focusedSessionID); err != nil {
			m.logger.Debug("visibility_report_failed", logging.Err(err))
		}
	}()
}

// rescope restarts the underlying connection so its event scope reflects
// the current interest set.
func (m *Manager) rescope() {
	m.mu.Lock()
	cancel := m.cancelConn
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.poke()
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setConnected(false)

	backoff := m.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		served, err := m.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if served {
			// A connection that delivered frames resets the backoff so a
			// brief blip recovers quickly.
			backoff = m.initialBackoff
		}
		if err != nil {
			m.logger.Warn("event_stream_disconnected", logging.Err(err), logging.F("retry_in", backoff))
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

func (m *Manager) eventURL() string {
	endpoint := m.baseURL + "/event"
	dirs := m.InterestedDirectories()
	if len(dirs) == 0 {
		return endpoint
	}
	query := url.Values{}
	for _, dir := range dirs {
		query.Add("directory", dir)
	}
	return endpoint + "?" + query.Encode()
}

// connectAndStream opens one connection and pumps frames until it drops.
// The served return is true once at least the connection was established.
func (m *Manager) connectAndStream(ctx context.Context) (served bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelConn = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.cancelConn != nil {
			m.cancelConn = nil
		}
		m.mu.Unlock()
		cancel()
	}()

	endpoint := m.eventURL()
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if m.token != "" {
		if m.username != "" {
			req.SetBasicAuth(m.username, m.token)
		} else {
			req.Header.Set("Authorization", "Bearer "+m.token)
		}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &ConnectError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	m.setConnected(true)
	defer m.setConnected(false)

	// Re-send the advisory scope on every fresh connection: the backend
	// forgot it along with the old one.
	m.mu.Lock()
	visible, focused := m.visible, m.focused
	reporter := m.reporter
	m.mu.Unlock()
	if reporter != nil {
		m.ReportVisibility(visible, focused)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			m.broadcast(Frame(strings.Join(dataLines, "\n")))
			dataLines = dataLines[:0]
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	if len(dataLines) > 0 {
		m.broadcast(Frame(strings.Join(dataLines, "\n")))
	}
	return true, scanner.Err()
}

func (m *Manager) broadcast(frame Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub.frames <- frame:
		default:
			// A wedged subscriber loses frames rather than stalling the
			// shared connection; the resync snapshot repairs its state.
			m.logger.Warn("event_frame_dropped")
		}
	}
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	for _, sub := range m.subs {
		select {
		case sub.state <- connected:
		default:
			// Keep only the latest state when the consumer lags.
			select {
			case <-sub.state:
			default:
			}
			select {
			case sub.state <- connected:
			default:
			}
		}
	}
	m.mu.Unlock()
}

// ConnectError reports a non-2xx response on the event endpoint.
type ConnectError struct {
	StatusCode int
	Message    string
}

func (e *ConnectError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return "event stream connect failed: " + msg
}

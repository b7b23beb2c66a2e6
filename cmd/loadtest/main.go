// Command loadtest drives a running secure-chanel server with a swarm of
// websocket connections that post chat traffic and measure fanout.
//
// Connections are spread round-robin over the configured principals.
// Each principal is logged in exactly once, because a second login would
// revoke the first token; all of that principal's connections then share
// the session cookie.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average, or 0 where /proc is
// unavailable.
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// credential is one username:password pair from the -users flag.
type credential struct {
	username string
	password string
}

func parseCredentials(raw string) ([]credential, error) {
	var creds []credential
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		username, password, ok := strings.Cut(pair, ":")
		if !ok || username == "" || password == "" {
			return nil, fmt.Errorf("malformed credential %q, want username:password", pair)
		}
		creds = append(creds, credential{username: username, password: password})
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials given")
	}
	return creds, nil
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent   atomic.Int64
	sendFailures   atomic.Int64
	eventsReceived atomic.Int64
	errorEvents    atomic.Int64
	disconnections atomic.Int64

	// Fanout latency: send-to-delivery on a different connection,
	// derived from the server-assigned timestamp. Microseconds.
	fanoutTotalUs  atomic.Int64
	fanoutSamples  atomic.Int64
	dialFailures   atomic.Int64
	activeConns    atomic.Int64
	peakConns      atomic.Int64

	// Raw samples for the final percentile report, capped so a long
	// run cannot grow without bound.
	samplesMu sync.Mutex
	samplesUs []int64
}

const maxLatencySamples = 1 << 20

func (s *Stats) recordSend() {
	s.messagesSent.Add(1)
}

func (s *Stats) recordSendFailure() {
	s.sendFailures.Add(1)
}

func (s *Stats) recordFanout(latencyUs int64) {
	if latencyUs < 0 {
		latencyUs = 0
	}
	s.fanoutTotalUs.Add(latencyUs)
	s.fanoutSamples.Add(1)

	s.samplesMu.Lock()
	if len(s.samplesUs) < maxLatencySamples {
		s.samplesUs = append(s.samplesUs, latencyUs)
	}
	s.samplesMu.Unlock()
}

// percentiles returns the requested quantiles over the recorded samples,
// in milliseconds. Returns nil when nothing was measured.
func (s *Stats) percentiles(qs ...float64) []float64 {
	s.samplesMu.Lock()
	samples := make([]int64, len(s.samplesUs))
	copy(samples, s.samplesUs)
	s.samplesMu.Unlock()

	if len(samples) == 0 {
		return nil
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	out := make([]float64, 0, len(qs))
	for _, q := range qs {
		idx := int(q * float64(len(samples)-1))
		out = append(out, float64(samples[idx])/1000.0)
	}
	return out
}

func (s *Stats) connUp() {
	n := s.activeConns.Add(1)
	for {
		peak := s.peakConns.Load()
		if n <= peak || s.peakConns.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (s *Stats) connDown() {
	s.activeConns.Add(-1)
}

func (s *Stats) snapshot() (sent, failed, received int64, avgFanoutUs float64) {
	sent = s.messagesSent.Load()
	failed = s.sendFailures.Load()
	received = s.eventsReceived.Load()

	if samples := s.fanoutSamples.Load(); samples > 0 {
		avgFanoutUs = float64(s.fanoutTotalUs.Load()) / float64(samples)
	}

	return
}

// login authenticates one principal and returns the session cookie.
func login(baseURL string, cred credential) (*http.Cookie, error) {
	payload, err := json.Marshal(map[string]string{
		"username": cred.username,
		"password": cred.password,
	})
	if err != nil {
		return nil, err
	}

	resp, err := http.Post(baseURL+"/api/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("POST /api/login: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login %s: status %d, body %s", cred.username, resp.StatusCode, body)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "session" {
			return c, nil
		}
	}
	return nil, fmt.Errorf("login %s: no session cookie in response", cred.username)
}

// botConn is one fake client connection.
type botConn struct {
	id       int
	username string
	ws       *websocket.Conn
	stats    *Stats

	writeMu sync.Mutex
}

func dialBot(id int, wsURL string, username string, cookie *http.Cookie, stats *Stats) (*botConn, error) {
	header := http.Header{}
	header.Add("Cookie", cookie.String())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		stats.dialFailures.Add(1)
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &botConn{
		id:       id,
		username: username,
		ws:       conn,
		stats:    stats,
	}, nil
}

// readLoop consumes the inbound stream until the connection dies. Every
// message_created from another author yields a fanout latency sample.
func (bc *botConn) readLoop() {
	for {
		_, raw, err := bc.ws.ReadMessage()
		if err != nil {
			return
		}
		bc.stats.eventsReceived.Add(1)

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		switch env.Type {
		case protocol.EventMessageCreated:
			var msg protocol.Message
			if err := env.Bind(&msg); err != nil {
				continue
			}
			latency := time.Since(time.UnixMilli(msg.Timestamp))
			bc.stats.recordFanout(latency.Microseconds())
		case protocol.EventError:
			bc.stats.errorEvents.Add(1)
		}
	}
}

func (bc *botConn) send(typ protocol.EventType, data interface{}) error {
	raw, err := protocol.MarshalEvent(typ, data)
	if err != nil {
		return err
	}
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	return bc.ws.WriteMessage(websocket.TextMessage, raw)
}

func (bc *botConn) postRandomMessage() error {
	// 5-20 lorem words per message.
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	content := strings.Join(words, " ")

	if err := bc.send(protocol.EventChatMessage, protocol.ChatMessage{Msg: content}); err != nil {
		if strings.Contains(err.Error(), "broken pipe") ||
			strings.Contains(err.Error(), "connection reset") ||
			strings.Contains(err.Error(), "EOF") {
			bc.stats.disconnections.Add(1)
		}
		bc.stats.recordSendFailure()
		return err
	}

	bc.stats.recordSend()
	return nil
}

// run posts messages at random intervals until the deadline or shutdown.
func (bc *botConn) run(duration, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	bc.stats.connUp()
	defer bc.stats.connDown()

	go bc.readLoop()

	deadline := time.After(duration)
	for {
		delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)+1))
		select {
		case <-stop:
			bc.closeGracefully()
			return
		case <-deadline:
			bc.closeGracefully()
			return
		case <-time.After(delay):
			if err := bc.postRandomMessage(); err != nil {
				bc.closeGracefully()
				return
			}
		}
	}
}

func (bc *botConn) closeGracefully() {
	bc.writeMu.Lock()
	bc.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	bc.writeMu.Unlock()
	bc.ws.Close()
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8000", "Server address (host:port)")
	usersFlag := flag.String("users", "sana:512683,ayhan:512683", "Comma-separated username:password pairs")
	numConns := flag.Int("connections", 10, "Number of concurrent websocket connections")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 200*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts (keep above the server's per-connection event budget)")
	flag.Parse()

	if *minDelay <= 0 || *maxDelay < *minDelay {
		log.Fatalf("invalid delay range: %v - %v", *minDelay, *maxDelay)
	}

	creds, err := parseCredentials(*usersFlag)
	if err != nil {
		log.Fatalf("invalid -users: %v", err)
	}

	baseURL := "http://" + *serverAddr
	wsURL := "ws://" + *serverAddr + "/ws"

	// One login per principal; its connections share the cookie.
	cookies := make([]*http.Cookie, len(creds))
	for i, cred := range creds {
		cookie, err := login(baseURL, cred)
		if err != nil {
			log.Fatalf("login failed: %v", err)
		}
		cookies[i] = cookie
	}
	log.Printf("Logged in %d principals", len(creds))

	// Ramp up over 25% of test duration.
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numConns)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Connections: %d across %d principals", *numConns, len(creds))
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per connection)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, received, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(sent) / elapsed
				avgMs := avgUs / 1000.0
				load := getCPULoad()
				goroutines := runtime.NumGoroutine()

				log.Printf("Stats: %d sent (%.1f/s), %d failed, %d received, fanout avg %.2fms, conns %d, load %.2f, goroutines %d",
					sent, rate, failed, received, avgMs, stats.activeConns.Load(), load, goroutines)
			case <-stopStats:
				return
			}
		}
	}()

	// Spawn connections round-robin over the principals.
	start := time.Now()
	for i := 0; i < *numConns; i++ {
		wg.Add(1)

		credIdx := i % len(creds)
		go func(id, credIdx int) {
			defer wg.Done()

			bot, err := dialBot(id, wsURL, creds[credIdx].username, cookies[credIdx], stats)
			if err != nil {
				log.Printf("[Conn %d] %v", id, err)
				return
			}
			if id%50 == 0 {
				log.Printf("[Conn %d] Connected as %s", id, bot.username)
			}

			bot.run(*duration, *minDelay, *maxDelay, stop)
		}(i, credIdx)

		time.Sleep(staggerDelay)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		close(stop)
	}()

	wg.Wait()
	close(stopStats)
	elapsed := time.Since(start)

	// Final stats
	sent, failed, received, avgUs := stats.snapshot()
	rate := float64(sent) / elapsed.Seconds()
	avgMs := avgUs / 1000.0

	// Each message fans out to every connection belonging to another
	// principal, so expected deliveries scale with the swarm shape.
	othersPerSender := 0
	if len(creds) > 1 {
		perPrincipal := *numConns / len(creds)
		othersPerSender = *numConns - perPrincipal
	}
	expectedDeliveries := sent * int64(othersPerSender)
	deliveryRatio := 0.0
	if expectedDeliveries > 0 {
		deliveryRatio = float64(stats.fanoutSamples.Load()) / float64(expectedDeliveries) * 100
	}

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Connections: %d attempted, %d peak concurrent", *numConns, stats.peakConns.Load())
	log.Printf("Elapsed: %v", elapsed.Round(time.Second))
	log.Printf("Messages sent: %d (%.1f/s)", sent, rate)
	log.Printf("Send failures: %d", failed)
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("  - Dial failures: %d", stats.dialFailures.Load())
	log.Printf("Events received: %d", received)
	log.Printf("Error events: %d", stats.errorEvents.Load())
	log.Printf("Fanout: %d deliveries measured, avg %.2fms", stats.fanoutSamples.Load(), avgMs)
	if p := stats.percentiles(0.50, 0.95, 0.99); p != nil {
		log.Printf("Fanout latency: p50 %.2fms, p95 %.2fms, p99 %.2fms", p[0], p[1], p[2])
	}
	if expectedDeliveries > 0 {
		log.Printf("Delivery ratio: %.1f%% of ~%d expected", deliveryRatio, expectedDeliveries)
	}

	if sent > 0 {
		successRate := float64(sent) / float64(sent+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}

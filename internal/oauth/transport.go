package oauth

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	tls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// fingerprintRoundTripper is an http.RoundTripper that speaks TLS with a
// Firefox ClientHello over HTTP/2. Some providers front their OAuth hosts
// with fingerprint-sensitive CDNs that reject Go's default TLS stack; a
// provider opts into this transport with tls-fingerprint.
type fingerprintRoundTripper struct {
	mu          sync.Mutex
	connections map[string]*http2.ClientConn
	pending     map[string]*sync.Cond
	dialer      proxy.Dialer
}

func newFingerprintRoundTripper(proxyURL string) *fingerprintRoundTripper {
	var dialer proxy.Dialer = proxy.Direct
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			log.Errorf("failed to parse proxy URL %q: %v", proxyURL, err)
		} else {
			pDialer, errDialer := proxy.FromURL(parsed, proxy.Direct)
			if errDialer != nil {
				log.Errorf("failed to create proxy dialer for %q: %v", proxyURL, errDialer)
			} else {
				dialer = pDialer
			}
		}
	}

	return &fingerprintRoundTripper{
		connections: make(map[string]*http2.ClientConn),
		pending:     make(map[string]*sync.Cond),
		dialer:      dialer,
	}
}

// getOrCreateConnection returns a cached HTTP/2 connection for host or dials
// a new one. A per-host condition variable keeps concurrent callers from
// racing to dial the same host.
func (t *fingerprintRoundTripper) getOrCreateConnection(host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()

	if h2Conn, ok := t.connections[host]; ok && h2Conn.CanTakeNewRequest() {
		t.mu.Unlock()
		return h2Conn, nil
	}

	if cond, ok := t.pending[host]; ok {
		cond.Wait()
		if h2Conn, ok2 := t.connections[host]; ok2 && h2Conn.CanTakeNewRequest() {
			t.mu.Unlock()
			return h2Conn, nil
		}
	}

	cond := sync.NewCond(&t.mu)
	t.pending[host] = cond
	t.mu.Unlock()

	h2Conn, err := t.createConnection(host, addr)

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.pending, host)
	cond.Broadcast()

	if err != nil {
		return nil, err
	}

	t.connections[host] = h2Conn
	return h2Conn, nil
}

func (t *fingerprintRoundTripper) createConnection(host, addr string) (*http2.ClientConn, error) {
	conn, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{ServerName: host}
	tlsConn := tls.UClient(conn, tlsConfig, tls.HelloFirefox_Auto)

	if err = tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	tr := &http2.Transport{}
	h2Conn, err := tr.NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	return h2Conn, nil
}

// RoundTrip implements http.RoundTripper.
func (t *fingerprintRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	addr := req.URL.Host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}
	hostname := req.URL.Hostname()

	h2Conn, err := t.getOrCreateConnection(hostname, addr)
	if err != nil {
		return nil, err
	}

	resp, err := h2Conn.RoundTrip(req)
	if err != nil {
		t.mu.Lock()
		if cached, ok := t.connections[hostname]; ok && cached == h2Conn {
			delete(t.connections, hostname)
		}
		t.mu.Unlock()
		return nil, err
	}

	return resp, nil
}

// newHTTPClient builds the HTTP client for one provider, honoring the shared
// proxy setting and the provider's fingerprint opt-in.
func newHTTPClient(cfg *ProviderConfig, proxyURL string) *http.Client {
	if cfg.TLSFingerprint {
		return &http.Client{Transport: newFingerprintRoundTripper(proxyURL)}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		} else {
			log.Errorf("failed to parse proxy URL %q: %v", proxyURL, err)
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}

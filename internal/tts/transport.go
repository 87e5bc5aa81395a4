package tts

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/book-expert/tts-batch/internal/core"
)

const directRoute = ""

// clientFor returns the cached HTTP client for a proxy, or the direct client
// when proxy is nil. Each route keeps its own connection pool.
func (c *Client) clientFor(proxy *core.ProxyBinding) *http.Client {
	key := directRoute

	var proxyURL *url.URL

	if proxy != nil {
		proxyURL = proxy.URL()
		key = proxyURL.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client
	}

	transport, ok := http.DefaultTransport.(*http.Transport)
	if ok {
		transport = transport.Clone()
	} else {
		transport = &http.Transport{}
	}

	transport.Proxy = nil
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{Timeout: c.timeout, Transport: transport}
	c.clients[key] = client

	return client
}

func describeRoute(baseURL string, proxy *core.ProxyBinding) string {
	if proxy == nil {
		return baseURL
	}

	return fmt.Sprintf("%s via proxy %s:%d", baseURL, proxy.Host, proxy.Port)
}

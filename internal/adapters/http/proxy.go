package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/emre/mediadock-paas/internal/core/domain"
	"github.com/emre/mediadock-paas/internal/core/ports"
)

// ProxyHandler routes subdomain requests (e.g. movies.mediadock.example)
// to the owning instance's runtime-assigned host port.
type ProxyHandler struct {
	store      ports.InstanceStore
	baseDomain string
}

func NewProxyHandler(store ports.InstanceStore, baseDomain string) *ProxyHandler {
	return &ProxyHandler{store: store, baseDomain: baseDomain}
}

// ProxyRequest intercepts requests whose Host is a customer subdomain and
// proxies them to the local container port. Requests for the base domain
// itself fall through to the API routes.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	host := c.Hostname()
	if hostOnly, _, ok := strings.Cut(host, ":"); ok {
		host = hostOnly
	}

	suffix := "." + h.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return c.Next()
	}
	subdomain := strings.TrimSuffix(host, suffix)
	if subdomain == "" || subdomain == "www" || strings.Contains(subdomain, ".") {
		return c.Next()
	}

	inst, err := h.store.GetBySubdomain(c.Context(), subdomain)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf("no instance for %q", subdomain))
		}
		return c.Status(fiber.StatusInternalServerError).SendString("lookup failed")
	}
	if inst.Status != domain.StatusRunning || inst.ExternalPort == 0 {
		return c.Status(fiber.StatusServiceUnavailable).SendString(fmt.Sprintf("instance %q is not running", subdomain))
	}

	target := fmt.Sprintf("http://127.0.0.1:%d", inst.ExternalPort)
	remote, err := url.Parse(target)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("invalid target")
	}

	proxy := httputil.NewSingleHostReverseProxy(remote)

	// Rewrite the Host header so the media server inside the container
	// sees an address it recognizes.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = remote.Host
		req.URL.Host = remote.Host
		req.URL.Scheme = remote.Scheme
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "upstream unavailable: %s", subdomain)
	}

	return adaptor.HTTPHandler(proxy)(c)
}

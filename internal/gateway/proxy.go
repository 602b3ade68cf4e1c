package gateway

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/podgate/podgate/internal/metrics"
)

// proxy streams the request into the session pod at addr and streams the
// response back. Neither body is buffered in full. last_active is advanced
// only once the upstream has answered, so an unreachable pod leaves the
// record untouched.
func (s *Server) proxy(c echo.Context, userID, addr string) error {
	req := c.Request()
	start := time.Now()

	ctx, cancel := context.WithTimeout(req.Context(), s.proxyTimeout)
	defer cancel()

	target := "http://" + net.JoinHostPort(addr, strconv.Itoa(s.sandboxPort)) + req.URL.RequestURI()

	out, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return c.String(http.StatusInternalServerError, "An internal server error occurred.")
	}
	out.Header = req.Header.Clone()
	// The upstream is a bare container, not a virtual-host-aware server;
	// give it a neutral Host.
	out.Host = addr
	out.ContentLength = req.ContentLength

	resp, err := s.upstream.Do(out)
	if err != nil {
		log.Printf("gateway: upstream %s unreachable: %v", target, err)
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUpstreamDown).Inc()
		return c.String(http.StatusServiceUnavailable, "Session pod not reachable.")
	}
	defer resp.Body.Close()

	if err := s.store.Touch(ctx, userID, time.Now()); err != nil {
		// The response is already committed upstream; serve it and let the
		// next request retry the touch.
		log.Printf("gateway: touch failed for %s: %v", userID, err)
	}

	header := c.Response().Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	streamBody(c.Response(), resp.Body)

	metrics.RequestsTotal.WithLabelValues(metrics.OutcomeProxied).Inc()
	metrics.ProxyDuration.Observe(time.Since(start).Seconds())
	return nil
}

// streamBody forwards the upstream body chunk by chunk, flushing after each
// read so the client sees bytes as they arrive.
func streamBody(dst *echo.Response, src io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			dst.Flush()
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("gateway: upstream body read aborted: %v", err)
			}
			return
		}
	}
}

// Package fetchtest serves image fixtures over HTTP for tests, backed by an
// in-memory S3 bucket.
package fetchtest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Bucket is the bucket every fixture is stored in.
const Bucket = "images"

// CDN is an object server with a request counter and a kill switch.
type CDN struct {
	t       testing.TB
	srv     *httptest.Server
	gets    atomic.Int64
	offline atomic.Bool
}

// NewCDN starts a server that lives until the test ends. It skips the test
// if no loopback listener is available.
func NewCDN(t testing.TB) *CDN {
	t.Helper()
	s3 := gofakes3.New(s3mem.New()).Server()
	c := &CDN{t: t}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.offline.Load() {
			hj, ok := w.(http.Hijacker)
			if ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			http.Error(w, "offline", http.StatusServiceUnavailable)
			return
		}
		if r.Method == http.MethodGet {
			c.gets.Add(1)
		}
		s3.ServeHTTP(w, r)
	})
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("httptest listener unavailable: %v", err)
	}
	c.srv = httptest.NewUnstartedServer(handler)
	c.srv.Listener = ln
	c.srv.Start()
	t.Cleanup(c.srv.Close)
	c.do(http.MethodPut, "/"+Bucket, nil)
	return c
}

// Client returns a client for the server.
func (c *CDN) Client() *http.Client { return c.srv.Client() }

// URL returns the address of key.
func (c *CDN) URL(key string) string {
	return c.srv.URL + "/" + Bucket + "/" + key
}

// Put stores data under key.
func (c *CDN) Put(key string, data []byte) string {
	c.t.Helper()
	c.do(http.MethodPut, "/"+Bucket+"/"+key, data)
	return c.URL(key)
}

// PutImage stores a generated PNG under key.
func (c *CDN) PutImage(key string, w, h int) string {
	c.t.Helper()
	return c.Put(key, PNG(c.t, w, h))
}

// Gets reports how many GET requests reached the bucket.
func (c *CDN) Gets() int64 { return c.gets.Load() }

// SetOffline makes every request fail at the transport level.
func (c *CDN) SetOffline(offline bool) { c.offline.Store(offline) }

func (c *CDN) do(method, path string, body []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("build %s %s: %v", method, path, err)
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.t.Fatalf("%s %s: %s %s", method, path, resp.Status, msg)
	}
}

// PNG encodes a w by h gradient image.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// Key returns the object key used for an image id.
func Key(id string) string { return fmt.Sprintf("%s.png", id) }

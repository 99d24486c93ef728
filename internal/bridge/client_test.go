package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewClient(Config{
		Host:    strings.TrimPrefix(srv.URL, "http://"),
		Scheme:  "http",
		APIPath: "api",
		APIKey:  "key",
	}, logger)
}

const lightsBody = `{
	"3": {"uniqueid":"X","name":"Lamp","modelid":"LCT010","manufacturername":"Signify",
	      "state":{"reachable":true,"on":false,"bri":100},"type":"Extended color light"},
	"4": {"name":"Ghost","state":{"reachable":false}}
}`

func TestLights(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/key/lights" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, lightsBody)
	})

	lights, err := c.Lights(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(lights) != 1 {
		t.Fatalf("lights = %d, want 1 (light without uniqueid skipped)", len(lights))
	}
	l := lights["X"]
	if l.Number != "3" || l.Name != "Lamp" || l.ModelID != "LCT010" || l.Type != "Extended color light" {
		t.Errorf("light = %+v", l)
	}
	if !l.State.Reachable || l.State.On || l.State.Bri != 100 {
		t.Errorf("state = %+v", l.State)
	}
}

func TestLightsBridgeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"error":{"type":1,"address":"/","description":"unauthorized user"}}]`)
	})

	_, err := c.Lights(context.Background())
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if be.Type != 1 || Detail(err) != "unauthorized user" {
		t.Errorf("bridge error = %+v, detail %q", be, Detail(err))
	}
}

func TestLightsHTTPStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Lights(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if got := Detail(err); got != "503" {
		t.Errorf("detail = %q, want 503", got)
	}
}

func TestLightsMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"3": "nope"`)
	})

	if _, err := c.Lights(context.Background()); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestPutSuccess(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/key/lights/3/state" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `[{"success":{"/lights/3/state/on":true}}]`)
	})

	if err := c.Put(context.Background(), "3", map[string]any{"on": true, "bri": 127}); err != nil {
		t.Fatal(err)
	}
	if got["on"] != true || got["bri"] != float64(127) {
		t.Errorf("payload = %v", got)
	}
}

func TestPutErrorEntry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"success":{"/lights/3/state/on":true}},
			{"error":{"type":201,"address":"/lights/3/state/bri","description":"parameter, bri, is not modifiable. Device is set to off."}}]`)
	})

	err := c.Put(context.Background(), "3", map[string]any{"bri": 10})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(Detail(err), "not modifiable") {
		t.Errorf("detail = %q", Detail(err))
	}
}

func TestPutUnexpectedObject(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok": true}`)
	})

	err := c.Put(context.Background(), "3", map[string]any{"on": true})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if d := Detail(err); !strings.Contains(d, "unexpected response to state update") {
		t.Errorf("detail = %q, want the decode failure", d)
	}
}

func TestPutTransportFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	c.cfg.Host = "127.0.0.1:1" // nothing listens here

	err := c.Put(context.Background(), "3", map[string]any{"on": true})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if Detail(err) != "could not send request to hue bridge" {
		t.Errorf("detail = %q", Detail(err))
	}
}

func TestGet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/key/lights/3" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"state":{"on":true,"bri":200,"xy":[0.3,0.3],"colormode":"xy","reachable":true},"name":"Lamp"}`)
	})

	st, err := c.Get(context.Background(), "3")
	if err != nil {
		t.Fatal(err)
	}
	if !st.On || st.Bri != 200 || len(st.XY) != 2 || st.ColorMode != "xy" {
		t.Errorf("state = %+v", st)
	}
}

func TestGetBridgeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"error":{"type":3,"address":"/lights/9","description":"resource, /lights/9, not available"}}]`)
	})

	_, err := c.Get(context.Background(), "9")
	if err == nil || !strings.Contains(Detail(err), "not available") {
		t.Fatalf("err = %v", err)
	}
}

func TestTouchesLight(t *testing.T) {
	var events []streamEvent
	json.Unmarshal([]byte(`[{"type":"update","data":[{"id":"a","type":"grouped_light"}]}]`), &events)
	if touchesLight(events) {
		t.Error("grouped_light update should not count as a light event")
	}
	json.Unmarshal([]byte(`[{"type":"update","data":[{"id":"b","type":"light"}]}]`), &events)
	if !touchesLight(events) {
		t.Error("light update not detected")
	}
}

func TestEventStreamNudgesOnLightUpdate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/eventstream/clip/v2" || r.Header.Get(hueAppKeyHeader) != "key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "id: 1\ndata: [{\"type\":\"update\",\"data\":[{\"id\":\"g\",\"type\":\"grouped_light\"}]}]\n\n")
		io.WriteString(w, "id: 2\ndata: [{\"type\":\"update\",\"data\":[{\"id\":\"l\",\"type\":\"light\"}]}]\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nudges := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.EventStream(ctx, func() {
			nudges++
			cancel()
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("EventStream did not return after cancel")
	}
	if nudges != 1 {
		t.Errorf("nudges = %d, want 1", nudges)
	}
}

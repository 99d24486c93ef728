package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakePaho records publishes. Publish returns a token completed with
// publishErr, or a token that never completes when hang is set.
type fakePaho struct {
	mu         sync.Mutex
	published  []published
	publishErr error
	hang       bool
}

func (f *fakePaho) IsConnected() bool       { return true }
func (f *fakePaho) IsConnectionOpen() bool  { return true }
func (f *fakePaho) Connect() pahomqtt.Token { return newToken(nil) }
func (f *fakePaho) Disconnect(uint)         {}

func (f *fakePaho) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	if f.hang {
		return &fakeToken{done: make(chan struct{})}
	}
	return newToken(f.publishErr)
}

func (f *fakePaho) Subscribe(string, byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return newToken(nil)
}

func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return newToken(nil)
}

func (f *fakePaho) Unsubscribe(...string) pahomqtt.Token        { return newToken(nil) }
func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler)    {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

func (f *fakePaho) last() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(cfg Config) (*Client, *fakePaho) {
	fp := &fakePaho{}
	cfg.TopicPrefix = "hue"
	return newClient(fp, cfg, testLogger()), fp
}

func TestHandleCommand(t *testing.T) {
	c, _ := newTestClient(Config{})
	received := time.UnixMilli(1700000060000)
	c.now = func() time.Time { return received }
	c.handleCommand("hue/command/X/setColor",
		[]byte(`{"id":"c1","data":{"hue":0},"timestamp":1700000000000,"completion":"confirmed"}`))

	cmd, err := c.ReceiveCommand(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.ID != "c1" || cmd.DeviceID != "X" || cmd.Service != "setColor" || cmd.Completion != CompletionConfirmed {
		t.Errorf("command = %+v", cmd)
	}
	// The hub's clock runs a minute behind; age still counts from receipt.
	if !cmd.Timestamp.Equal(received) {
		t.Errorf("timestamp = %v, want receipt time %v", cmd.Timestamp, received)
	}
	if !cmd.IssuedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("issued at = %v", cmd.IssuedAt)
	}
	if string(cmd.Data) != `{"hue":0}` {
		t.Errorf("data = %s", cmd.Data)
	}
}

func TestHandleCommandDefaults(t *testing.T) {
	c, _ := newTestClient(Config{})
	received := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return received }

	c.handleCommand("hue/command/X/setOn", []byte(`{}`))
	cmd, err := c.ReceiveCommand(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.ID == "" {
		t.Error("missing id not generated")
	}
	if !cmd.Timestamp.Equal(received) {
		t.Errorf("timestamp = %v, want receipt time", cmd.Timestamp)
	}
	if cmd.Completion != CompletionAsync {
		t.Errorf("completion = %q, want async", cmd.Completion)
	}
	if !cmd.IssuedAt.IsZero() {
		t.Errorf("issued at = %v, want zero", cmd.IssuedAt)
	}
}

func TestHandleCommandRejectsMalformed(t *testing.T) {
	c, _ := newTestClient(Config{})
	c.handleCommand("hue/command/X", []byte(`{}`))
	c.handleCommand("hue/command/X/setOn", []byte(`{not json`))
	c.handleCommand("other/command/X/setOn", []byte(`{}`))

	if _, err := c.ReceiveCommand(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("err = %v, want ErrQueueEmpty", err)
	}
}

func TestHandleCommandQueueFull(t *testing.T) {
	c, _ := newTestClient(Config{QueueSize: 1})
	c.handleCommand("hue/command/X/setOn", []byte(`{"id":"1"}`))
	c.handleCommand("hue/command/X/setOn", []byte(`{"id":"2"}`))

	cmd, _ := c.ReceiveCommand(context.Background(), time.Second)
	if cmd.ID != "1" {
		t.Errorf("first command = %q", cmd.ID)
	}
	if _, err := c.ReceiveCommand(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrQueueEmpty) {
		t.Error("overflowing command should have been dropped")
	}
}

func TestReceiveCommandContextCancel(t *testing.T) {
	c, _ := newTestClient(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.ReceiveCommand(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSendResponse(t *testing.T) {
	c, fp := newTestClient(Config{})
	cmd := Command{ID: "c1", DeviceID: "X", Service: "getStatus"}

	if err := c.SendResponse(context.Background(), cmd, map[string]any{"status": 0, "on": true}, false); err != nil {
		t.Fatal(err)
	}
	p := fp.last()
	if p.topic != "hue/response/X/getStatus" || p.retained {
		t.Errorf("published %+v", p)
	}
	var msg responseMessage
	if err := json.Unmarshal(p.payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != "c1" || msg.Data["status"] != float64(0) || msg.Data["on"] != true {
		t.Errorf("response = %+v", msg)
	}
}

func TestSendResponseConfirmedFailure(t *testing.T) {
	c, fp := newTestClient(Config{})
	fp.publishErr = errors.New("not connected")
	err := c.SendResponse(context.Background(), Command{DeviceID: "X", Service: "setOn"}, map[string]any{"status": 0}, false)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}

	// Async responses never report failures.
	if err := c.SendResponse(context.Background(), Command{DeviceID: "X", Service: "setOn"}, nil, true); err != nil {
		t.Fatalf("async err = %v", err)
	}
}

func TestDeviceOperationTopics(t *testing.T) {
	c, fp := newTestClient(Config{})
	dev := Device{ID: "X", Name: "Lamp", Type: "urn:light", Tags: map[string]string{"type": "Extended color light"}}

	tests := []struct {
		f     Future
		topic string
	}{
		{c.AddDevice(dev), "hue/device/X/add"},
		{c.UpdateDevice(dev), "hue/device/X/update"},
		{c.DeleteDevice("X"), "hue/device/X/delete"},
		{c.ConnectDevice("X"), "hue/device/X/connect"},
		{c.DisconnectDevice("X"), "hue/device/X/disconnect"},
		{c.Sync(nil), "hue/sync"},
	}
	for i, tt := range tests {
		if err := tt.f.Wait(context.Background()); err != nil {
			t.Errorf("%s: %v", tt.topic, err)
		}
		if got := fp.published[i].topic; got != tt.topic {
			t.Errorf("topic = %q, want %q", got, tt.topic)
		}
	}

	var add operationMessage
	json.Unmarshal(fp.published[0].payload, &add)
	if add.ID == "" || add.Device == nil || add.Device.Name != "Lamp" || add.Device.Tags["type"] != "Extended color light" {
		t.Errorf("add message = %+v", add)
	}
	var all syncMessage
	json.Unmarshal(fp.published[5].payload, &all)
	if all.Devices == nil {
		t.Error("sync must carry an empty device list, not null")
	}
}

func TestOperationPublishFailure(t *testing.T) {
	c, fp := newTestClient(Config{})
	fp.publishErr = errors.New("broker gone")
	err := c.AddDevice(Device{ID: "X"}).Wait(context.Background())
	if !errors.Is(err, ErrHubSync) || !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrHubSync wrapping ErrTransport", err)
	}
}

func TestOperationTimeout(t *testing.T) {
	c, fp := newTestClient(Config{ConfirmTimeout: 20 * time.Millisecond})
	fp.hang = true
	if err := c.DeleteDevice("X").Wait(context.Background()); !errors.Is(err, ErrHubSync) {
		t.Fatalf("err = %v, want ErrHubSync", err)
	}
}

func TestOperationAck(t *testing.T) {
	c, fp := newTestClient(Config{RequireAck: true, ConfirmTimeout: time.Second})

	accepted := c.AddDevice(Device{ID: "A"})
	rejected := c.UpdateDevice(Device{ID: "B"})

	var a, b operationMessage
	json.Unmarshal(fp.published[0].payload, &a)
	json.Unmarshal(fp.published[1].payload, &b)
	c.handleAck("hue/ack/"+a.ID, []byte(`{"status":0}`))
	c.handleAck("hue/ack/"+b.ID, []byte(`{"status":1,"error":"name taken"}`))

	errs := Await(context.Background(), accepted, rejected)
	if errs[0] != nil {
		t.Errorf("accepted: %v", errs[0])
	}
	if !errors.Is(errs[1], ErrHubSync) {
		t.Errorf("rejected: %v, want ErrHubSync", errs[1])
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("%d pending operations left", n)
	}
}

func TestOperationAckMissing(t *testing.T) {
	c, _ := newTestClient(Config{RequireAck: true, ConfirmTimeout: 20 * time.Millisecond})
	if err := c.ConnectDevice("X").Wait(context.Background()); !errors.Is(err, ErrHubSync) {
		t.Fatalf("err = %v, want ErrHubSync", err)
	}
}

func TestAwaitBoundedBySlowest(t *testing.T) {
	slow := FutureFunc(func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	start := time.Now()
	errs := Await(context.Background(), slow, slow, slow, Resolved(ErrHubSync))
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("Await took %v, futures were not awaited together", elapsed)
	}
	if errs[0] != nil || !errors.Is(errs[3], ErrHubSync) {
		t.Errorf("errs = %v", errs)
	}
}

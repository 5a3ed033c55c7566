package dispenser

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"golang.org/x/time/rate"

	"github.com/pillcrate/dispenser-command/internal/link"
	"github.com/pillcrate/dispenser-command/pkg/transport"
)

type sentCommand struct {
	payload     string
	maxAttempts int
}

// fakeCommander records commands instead of touching a radio.
type fakeCommander struct {
	sent    []sentCommand
	sendErr error
	status  link.Status

	started      bool
	stopped      bool
	discovering  bool
	connected    string
	disconnected bool
}

func (f *fakeCommander) Start(context.Context) error { f.started = true; return nil }
func (f *fakeCommander) Stop()                       { f.stopped = true }

func (f *fakeCommander) StartDiscovery(context.Context) error {
	f.discovering = true
	return nil
}

func (f *fakeCommander) StopDiscovery(context.Context) error {
	f.discovering = false
	return nil
}

func (f *fakeCommander) Connect(_ context.Context, address string) error {
	f.connected = address
	return nil
}

func (f *fakeCommander) Disconnect(context.Context) error {
	f.disconnected = true
	return nil
}

func (f *fakeCommander) Peripherals(context.Context) ([]transport.Peripheral, error) {
	return nil, nil
}

func (f *fakeCommander) SendCommand(_ context.Context, payload []byte, maxAttempts int) error {
	f.sent = append(f.sent, sentCommand{payload: string(payload), maxAttempts: maxAttempts})
	return f.sendErr
}

func (f *fakeCommander) Snapshot() link.Status        { return f.status }
func (f *fakeCommander) Subscribe() chan link.Status  { return make(chan link.Status, 1) }
func (f *fakeCommander) Unsubscribe(chan link.Status) {}

func newTestDispenser() (*Dispenser, *fakeCommander) {
	fake := &fakeCommander{}
	return &Dispenser{
		link:        fake,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		maxAttempts: defaultMaxAttempts,
	}, fake
}

var _ = Describe("Dispenser", func() {
	var (
		d    *Dispenser
		fake *fakeCommander
		ctx  context.Context
	)

	BeforeEach(func() {
		d, fake = newTestDispenser()
		ctx = context.Background()
	})

	Describe("Dispense", func() {
		It("sends a well-formed dispense frame", func() {
			Expect(d.Dispense(ctx, 7, 2)).To(Succeed())
			Expect(fake.sent).To(HaveLen(1))
			Expect(fake.sent[0].payload).To(Equal("DISPENSE:7:2"))
			Expect(fake.sent[0].maxAttempts).To(Equal(defaultMaxAttempts))
		})

		It("rejects an out-of-range compartment without sending", func() {
			Expect(d.Dispense(ctx, 29, 1)).ToNot(Succeed())
			Expect(d.Dispense(ctx, 0, 1)).ToNot(Succeed())
			Expect(fake.sent).To(BeEmpty())
		})

		It("rejects a non-positive count without sending", func() {
			Expect(d.Dispense(ctx, 1, 0)).ToNot(Succeed())
			Expect(fake.sent).To(BeEmpty())
		})

		It("propagates link errors", func() {
			fake.sendErr = errors.New("link down")
			Expect(d.Dispense(ctx, 1, 1)).To(MatchError("link down"))
		})

		It("honors the rate limit via context cancellation", func() {
			d.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
			Expect(d.Dispense(ctx, 1, 1)).To(Succeed())

			limited, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			err := d.Dispense(limited, 2, 1)
			Expect(err).To(HaveOccurred())
			Expect(fake.sent).To(HaveLen(1))
		})
	})

	Describe("RequestStatus", func() {
		It("sends the status frame", func() {
			Expect(d.RequestStatus(ctx)).To(Succeed())
			Expect(fake.sent).To(HaveLen(1))
			Expect(fake.sent[0].payload).To(Equal("STATUS"))
		})
	})

	Describe("ResetStatistics", func() {
		It("sends the reset frame", func() {
			Expect(d.ResetStatistics(ctx)).To(Succeed())
			Expect(fake.sent).To(HaveLen(1))
			Expect(fake.sent[0].payload).To(Equal("RESET"))
		})
	})

	Describe("Send", func() {
		It("passes raw frames through unchanged", func() {
			Expect(d.Send(ctx, "CALIBRATE:3")).To(Succeed())
			Expect(fake.sent[0].payload).To(Equal("CALIBRATE:3"))
		})
	})

	Describe("SetMaxAttempts", func() {
		It("changes the attempt budget for subsequent commands", func() {
			d.SetMaxAttempts(5)
			Expect(d.RequestStatus(ctx)).To(Succeed())
			Expect(fake.sent[0].maxAttempts).To(Equal(5))
		})

		It("ignores non-positive values", func() {
			d.SetMaxAttempts(0)
			Expect(d.RequestStatus(ctx)).To(Succeed())
			Expect(fake.sent[0].maxAttempts).To(Equal(defaultMaxAttempts))
		})
	})

	Describe("lifecycle", func() {
		It("delegates to the link manager", func() {
			Expect(d.Start(ctx)).To(Succeed())
			Expect(fake.started).To(BeTrue())

			Expect(d.StartDiscovery(ctx)).To(Succeed())
			Expect(fake.discovering).To(BeTrue())
			Expect(d.StopDiscovery(ctx)).To(Succeed())
			Expect(fake.discovering).To(BeFalse())

			Expect(d.Connect(ctx, "AA:BB:CC:DD:EE:01")).To(Succeed())
			Expect(fake.connected).To(Equal("AA:BB:CC:DD:EE:01"))

			Expect(d.Disconnect(ctx)).To(Succeed())
			Expect(fake.disconnected).To(BeTrue())

			d.Stop()
			Expect(fake.stopped).To(BeTrue())
		})
	})
})

package testutils

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
)

// ErrLinkClosed is returned by a FakeLink after Close or a dropped link.
var ErrLinkClosed = errors.New("fake link closed")

// Responder answers one decoded request with zero or more messages that are
// notified back to the host.
type Responder func(req protocol.Message) []protocol.Message

// FakePeripheralBuilder configures a simulated scanner. Services added after
// AfterLaunch belong to the profile exposed once the firmware extension has
// been launched.
type FakePeripheralBuilder struct {
	initial      []device.Service
	launched     []device.Service
	launchTarget *[]device.Service
	launchesNeed int

	mtu        int
	mtuErr     error
	mtuReports int
	notifyErr  error
	dialErrs   []error
	responder  Responder
}

// NewFakePeripheralBuilder creates an empty peripheral with a 247 byte MTU.
func NewFakePeripheralBuilder() *FakePeripheralBuilder {
	b := &FakePeripheralBuilder{mtu: 247, mtuReports: 1}
	b.launchTarget = &b.initial
	return b
}

// WithService adds a service to the profile being built.
func (b *FakePeripheralBuilder) WithService(uuid string) *FakePeripheralBuilder {
	*b.launchTarget = append(*b.launchTarget, device.Service{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
// Properties are given as "write,notify" style strings.
func (b *FakePeripheralBuilder) WithCharacteristic(uuid, properties string) *FakePeripheralBuilder {
	svcs := *b.launchTarget
	if len(svcs) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := &svcs[len(svcs)-1]
	last.Characteristics = append(last.Characteristics, device.Characteristic{
		UUID:       uuid,
		Properties: ParseProperties(properties),
	})
	return b
}

// AfterLaunch switches to the post-launch profile, which becomes visible on
// the first dial after n launch commands were written.
func (b *FakePeripheralBuilder) AfterLaunch(n int) *FakePeripheralBuilder {
	b.launchesNeed = n
	b.launchTarget = &b.launched
	return b
}

// WithMTU sets the negotiated MTU and how many times it is reported.
func (b *FakePeripheralBuilder) WithMTU(mtu, reports int) *FakePeripheralBuilder {
	b.mtu = mtu
	b.mtuReports = reports
	return b
}

// WithMTUError makes negotiation fail with err.
func (b *FakePeripheralBuilder) WithMTUError(err error) *FakePeripheralBuilder {
	b.mtuErr = err
	return b
}

// WithNotifyError makes EnableNotifications fail with err.
func (b *FakePeripheralBuilder) WithNotifyError(err error) *FakePeripheralBuilder {
	b.notifyErr = err
	return b
}

// WithDialErrors makes the next dials fail, one error per dial.
func (b *FakePeripheralBuilder) WithDialErrors(errs ...error) *FakePeripheralBuilder {
	b.dialErrs = append(b.dialErrs, errs...)
	return b
}

// WithResponder installs fn to answer frames written to the serial service.
func (b *FakePeripheralBuilder) WithResponder(fn Responder) *FakePeripheralBuilder {
	b.responder = fn
	return b
}

// Build creates the peripheral.
func (b *FakePeripheralBuilder) Build() *FakePeripheral {
	p := &FakePeripheral{
		initial:      cloneServices(b.initial),
		launchesNeed: b.launchesNeed,
		mtu:          b.mtu,
		mtuErr:       b.mtuErr,
		mtuReports:   b.mtuReports,
		notifyErr:    b.notifyErr,
		dialErrs:     append([]error(nil), b.dialErrs...),
		responder:    b.responder,
	}
	if b.launchTarget == &b.launched {
		p.launched = cloneServices(b.launched)
	}
	return p
}

// NewBridgePeripheral simulates a scanner with the firmware extension running.
func NewBridgePeripheral() *FakePeripheralBuilder {
	return NewFakePeripheralBuilder().
		WithService(device.SerialServiceUUID).
		WithCharacteristic(device.SerialWriteUUID, "write,write-without-response").
		WithCharacteristic(device.SerialNotifyUUID, "notify")
}

// NewStockPeripheral simulates a scanner showing only the CLI service. The
// extension comes up after launches launch commands; zero means never.
func NewStockPeripheral(launches int) *FakePeripheralBuilder {
	b := NewFakePeripheralBuilder().
		WithService(device.CLIServiceUUID).
		WithCharacteristic(device.CLIWriteUUID, "write")
	if launches <= 0 {
		return b
	}
	return b.AfterLaunch(launches).
		WithService(device.SerialServiceUUID).
		WithCharacteristic(device.SerialWriteUUID, "write").
		WithCharacteristic(device.SerialNotifyUUID, "notify")
}

// ParseProperties converts "read,write,notify" into device.Properties.
func ParseProperties(props string) device.Properties {
	var p device.Properties
	for _, name := range strings.Split(props, ",") {
		switch strings.TrimSpace(name) {
		case "read":
			p |= device.PropRead
		case "write":
			p |= device.PropWrite
		case "write-without-response", "writenr":
			p |= device.PropWriteNoResponse
		case "notify":
			p |= device.PropNotify
		case "indicate":
			p |= device.PropIndicate
		}
	}
	return p
}

func cloneServices(in []device.Service) []device.Service {
	out := make([]device.Service, len(in))
	for i, s := range in {
		out[i] = device.Service{UUID: s.UUID, Characteristics: append([]device.Characteristic(nil), s.Characteristics...)}
	}
	return out
}

// Write is one write observed by the peripheral.
type Write struct {
	Characteristic string
	Data           []byte
	WithResponse   bool
}

// FakePeripheral implements device.Dialer over an in-memory GATT profile.
type FakePeripheral struct {
	mu sync.Mutex

	initial      []device.Service
	launched     []device.Service
	launchesNeed int
	mtu          int
	mtuErr       error
	mtuReports   int
	notifyErr    error
	dialErrs     []error
	responder    Responder

	current     *FakeLink
	dials       int
	discoveries int
	launches    int
	writes      []Write
	onWrite     func(Write)
	attempts    int
	failAt      map[int]error
}

var _ device.Dialer = (*FakePeripheral)(nil)

// Dial opens a new link and exposes the profile matching the launch count.
func (p *FakePeripheral) Dial(ctx context.Context, _ string, events device.LinkEvents) (device.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if len(p.dialErrs) > 0 {
		err := p.dialErrs[0]
		p.dialErrs = p.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	profile := p.initial
	if p.launched != nil && p.launches >= p.launchesNeed {
		profile = p.launched
	}
	link := &FakeLink{
		p:        p,
		events:   events,
		profile:  cloneServices(profile),
		handlers: make(map[string]func([]byte)),
		reasm:    protocol.NewReassembler(),
	}
	p.current = link
	return link, nil
}

// OnWrite installs a hook called for every accepted write.
func (p *FakePeripheral) OnWrite(fn func(Write)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
}

// FailWrite makes the attempt-th Write call (counting from 1) fail with err.
// A failed write is not recorded.
func (p *FakePeripheral) FailWrite(attempt int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt == nil {
		p.failAt = make(map[int]error)
	}
	p.failAt[attempt] = err
}

// Dials reports how many times Dial was called.
func (p *FakePeripheral) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// Discoveries reports how many times services were enumerated.
func (p *FakePeripheral) Discoveries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveries
}

// Launches reports how many launch commands were received.
func (p *FakePeripheral) Launches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches
}

// Writes returns a copy of every accepted write.
func (p *FakePeripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// WrittenBytes concatenates the data written to characteristic.
func (p *FakePeripheral) WrittenBytes(characteristic string) []byte {
	var out []byte
	for _, w := range p.Writes() {
		if device.SameUUID(w.Characteristic, characteristic) {
			out = append(out, w.Data...)
		}
	}
	return out
}

// Connected reports whether a link is open.
func (p *FakePeripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && !p.current.closed
}

// Notify pushes data to every subscribed handler of the open link.
func (p *FakePeripheral) Notify(data []byte) bool {
	p.mu.Lock()
	link := p.current
	p.mu.Unlock()
	if link == nil {
		return false
	}
	return link.notify(data)
}

// NotifyMessages encodes msgs and notifies them as one chunk.
func (p *FakePeripheral) NotifyMessages(msgs ...protocol.Message) bool {
	var stream []byte
	for _, m := range msgs {
		frame, err := protocol.Encode(m)
		if err != nil {
			panic("NotifyMessages: " + err.Error())
		}
		stream = append(stream, frame...)
	}
	return p.Notify(stream)
}

// StaleNotifier captures the notification handlers of the open link. The
// returned function keeps calling them after the link is gone, like a BLE
// stack delivering a callback that was already queued.
func (p *FakePeripheral) StaleNotifier() func([]byte) {
	p.mu.Lock()
	link := p.current
	p.mu.Unlock()
	if link == nil {
		return func([]byte) {}
	}

	link.mu.Lock()
	handlers := make([]func([]byte), 0, len(link.handlers))
	for _, h := range link.handlers {
		handlers = append(handlers, h)
	}
	link.mu.Unlock()

	return func(data []byte) {
		for _, h := range handlers {
			h(append([]byte(nil), data...))
		}
	}
}

// DropLink simulates the peripheral going away. OnDisconnect fires with err.
func (p *FakePeripheral) DropLink(err error) {
	p.mu.Lock()
	link := p.current
	p.current = nil
	p.mu.Unlock()
	if link == nil {
		return
	}
	link.mu.Lock()
	already := link.closed
	link.closed = true
	link.mu.Unlock()
	if !already && link.events.OnDisconnect != nil {
		go link.events.OnDisconnect(err)
	}
}

// FakeLink is the device.Link handed out by FakePeripheral.
type FakeLink struct {
	p       *FakePeripheral
	events  device.LinkEvents
	profile []device.Service

	mu       sync.Mutex
	closed   bool
	handlers map[string]func([]byte)
	reasm    *protocol.Reassembler
}

var _ device.Link = (*FakeLink)(nil)

func (l *FakeLink) RequestMTU(int) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	l.p.mu.Lock()
	mtu, err, reports := l.p.mtu, l.p.mtuErr, l.p.mtuReports
	l.p.mu.Unlock()
	if l.events.OnMTU == nil {
		return nil
	}
	go func() {
		for i := 0; i < reports; i++ {
			l.events.OnMTU(mtu, err)
		}
	}()
	return nil
}

func (l *FakeLink) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.isClosed() {
		return nil, ErrLinkClosed
	}
	l.p.mu.Lock()
	l.p.discoveries++
	l.p.mu.Unlock()
	return cloneServices(l.profile), nil
}

func (l *FakeLink) EnableNotifications(service, characteristic string, handler func([]byte)) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	c, err := l.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if c.Properties&(device.PropNotify|device.PropIndicate) == 0 {
		return device.ErrNoNotifyDescriptor
	}

	l.p.mu.Lock()
	notifyErr := l.p.notifyErr
	l.p.mu.Unlock()
	// the handler is still installed when the CCCD write is refused: the
	// peripheral keeps streaming regardless
	l.mu.Lock()
	l.handlers[device.NormalizeUUID(characteristic)] = handler
	l.mu.Unlock()
	return notifyErr
}

func (l *FakeLink) Write(service, characteristic string, data []byte, withResponse bool) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	c, err := l.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if c.Properties&(device.PropWrite|device.PropWriteNoResponse) == 0 {
		return device.ErrUnsupported
	}

	w := Write{Characteristic: characteristic, Data: append([]byte(nil), data...), WithResponse: withResponse}
	l.p.mu.Lock()
	l.p.attempts++
	if err, ok := l.p.failAt[l.p.attempts]; ok {
		l.p.mu.Unlock()
		return err
	}
	l.p.writes = append(l.p.writes, w)
	if strings.HasPrefix(string(data), "loader open") {
		l.p.launches++
	}
	hook := l.p.onWrite
	responder := l.p.responder
	l.p.mu.Unlock()

	if hook != nil {
		hook(w)
	}
	if responder != nil && device.SameUUID(service, device.SerialServiceUUID) {
		l.respond(data, responder)
	}
	return nil
}

func (l *FakeLink) respond(data []byte, responder Responder) {
	l.mu.Lock()
	l.reasm.Feed(data)
	frames := l.reasm.Drain()
	l.mu.Unlock()

	for _, frame := range frames {
		req, _, err := protocol.DecodeFrame(frame)
		if err != nil {
			continue
		}
		var out []byte
		for _, reply := range responder(req) {
			encoded, err := protocol.Encode(reply)
			if err != nil {
				continue
			}
			out = append(out, encoded...)
		}
		if len(out) > 0 {
			l.notify(out)
		}
	}
}

// Close ends the link without firing OnDisconnect.
func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.p.mu.Lock()
	if l.p.current == l {
		l.p.current = nil
	}
	l.p.mu.Unlock()
	return nil
}

func (l *FakeLink) notify(data []byte) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	handlers := make([]func([]byte), 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
	return len(handlers) > 0
}

func (l *FakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *FakeLink) lookup(service, characteristic string) (device.Characteristic, error) {
	svc, ok := device.FindService(l.profile, service)
	if !ok {
		return device.Characteristic{}, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	c, ok := svc.Characteristic(characteristic)
	if !ok {
		return device.Characteristic{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return c, nil
}

package profile

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/wearlink/pkg/codec"
	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/protocol"
	"github.com/jwoglom/wearlink/pkg/queue"
)

// Defaults for AppConfigOptions fields left zero.
const (
	DefaultChunkSize         = 20
	DefaultResponseTimeout   = 10 * time.Second
	DefaultReassemblyTimeout = 5 * time.Second
)

// Reason strings of AppConfig failure events that are not codec errors.
const (
	ReasonTimeout = "timeout"
	ReasonStatus  = "status"
)

// HTTPRequest is a network fetch a watch application asked the host to make.
type HTTPRequest struct {
	Device string
	ID     uint32
	URL    string
}

// HTTPHandler serves device network requests. ServeDeviceRequest must
// return promptly and call respond exactly once, from any goroutine.
type HTTPHandler interface {
	ServeDeviceRequest(req HTTPRequest, respond func(status int, body []byte))
}

// AppConfigOptions configures the vendor layer.
type AppConfigOptions struct {
	TxChar uuid.UUID // host to device, written
	RxChar uuid.UUID // device to host, notified

	ChunkSize         int
	ResponseTimeout   time.Duration
	ReassemblyTimeout time.Duration

	// HTTP serves HTTPRequest messages. When nil they are answered with
	// 501 Not Implemented.
	HTTP HTTPHandler
}

// AppConfig implements the vendor get/set protocol for watch application
// settings, plus the device-initiated HTTP request shape carried by the
// same envelope.
type AppConfig struct {
	env  Env
	opts AppConfigOptions

	framer      *protocol.Framer
	reassembler *protocol.Reassembler
	pending     *protocol.PendingRequests
}

// AppConfigFactory returns a Factory for use with device.New.
func AppConfigFactory(opts AppConfigOptions) Factory {
	return func(env Env) Profile { return NewAppConfig(env, opts) }
}

// NewAppConfig creates the vendor profile. Call Close to stop its timers.
func NewAppConfig(env Env, opts AppConfigOptions) *AppConfig {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.ReassemblyTimeout <= 0 {
		opts.ReassemblyTimeout = DefaultReassemblyTimeout
	}
	return &AppConfig{
		env:         env,
		opts:        opts,
		framer:      protocol.NewFramer(opts.ChunkSize),
		reassembler: protocol.NewReassembler(opts.ReassemblyTimeout),
		pending:     protocol.NewPendingRequests(opts.ResponseTimeout),
	}
}

func (p *AppConfig) Kind() Kind { return KindAppConfig }

func (p *AppConfig) Characteristics() []uuid.UUID {
	if p.opts.TxChar == p.opts.RxChar {
		return []uuid.UUID{p.opts.RxChar}
	}
	return []uuid.UUID{p.opts.TxChar, p.opts.RxChar}
}

// Handle feeds an rx chunk to the reassembler and handles the message once
// complete.
func (p *AppConfig) Handle(char uuid.UUID, payload []byte) bool {
	if char != p.opts.RxChar {
		return false
	}
	protocol.LogPacket("RX", p.env.Device, payload)
	message, complete, err := p.reassembler.AddPacket(payload)
	if err != nil {
		log.Warnf("Dropping vendor packet from %s: %v", p.env.Device, err)
		return true
	}
	if complete {
		p.OnResponse(message)
	}
	return true
}

func (p *AppConfig) EnableNotifications(tx *queue.Transaction, enabled bool) {
	tx.EnableNotify(p.opts.RxChar, enabled)
}

// Close stops reassembly cleanup and drops outstanding requests silently.
func (p *AppConfig) Close() {
	p.reassembler.Stop()
	p.pending.ClearAll()
}

// frame chunks an envelope into write operations on the tx characteristic.
func (p *AppConfig) frame(env codec.Envelope) ([]queue.Operation, error) {
	packets, err := p.framer.Frame(codec.EncodeEnvelope(env))
	if err != nil {
		return nil, err
	}
	ops := make([]queue.Operation, 0, len(packets))
	for _, pkt := range packets {
		protocol.LogPacket("TX", p.env.Device, pkt)
		ops = append(ops, queue.WriteOp(p.opts.TxChar, pkt))
	}
	return ops, nil
}

// BuildGetRequest returns the writes of an AppConfigGet for appID. Builders
// do not track the response; RequestGet does.
func (p *AppConfig) BuildGetRequest(appID uuid.UUID) []queue.Operation {
	ops, err := p.frame(codec.Envelope{Shape: codec.ShapeAppConfigGet, AppID: appID})
	if err != nil {
		p.emitGetFailed(appID, err.Error())
		return nil
	}
	return ops
}

// BuildSetRequest serializes entries into an AppConfigSet for appID. On
// serialization failure it emits AppConfigSetFailed and returns false with
// no operations.
func (p *AppConfig) BuildSetRequest(appID uuid.UUID, entries []codec.AppConfigEntry) ([]queue.Operation, bool) {
	blob, err := codec.EncodeAppConfigBlob(entries)
	if err != nil {
		log.Warnf("Cannot build app config set for %s on %s: %v", appID, p.env.Device, err)
		p.emitSetFailed(appID, err.Error())
		return nil, false
	}
	ops, err := p.frame(codec.Envelope{Shape: codec.ShapeAppConfigSet, AppID: appID, Blob: blob})
	if err != nil {
		log.Warnf("Cannot frame app config set for %s on %s: %v", appID, p.env.Device, err)
		p.emitSetFailed(appID, err.Error())
		return nil, false
	}
	return ops, true
}

// BuildHTTPResponse returns the writes answering device request id.
func (p *AppConfig) BuildHTTPResponse(id uint32, status int, body []byte) ([]queue.Operation, error) {
	return p.frame(codec.Envelope{
		Shape:     codec.ShapeHTTPResponse,
		RequestID: id,
		Status:    uint32(status),
		Body:      body,
	})
}

// RequestGet builds and submits a get through the owning connection. The
// response timeout starts once the last write completed.
func (p *AppConfig) RequestGet(appID uuid.UUID) *queue.Result {
	ops := p.BuildGetRequest(appID)
	tx := queue.Begin("app-config-get").Add(ops...)
	if ops == nil {
		return p.env.Submit(tx)
	}
	return p.submitTracked(appID, protocol.RequestGet, tx)
}

// RequestSet builds and submits a set. It returns false, with a
// SetFailed event already emitted, when entries cannot be serialized.
func (p *AppConfig) RequestSet(appID uuid.UUID, entries []codec.AppConfigEntry) (*queue.Result, bool) {
	ops, ok := p.BuildSetRequest(appID, entries)
	if !ok {
		return nil, false
	}
	return p.submitTracked(appID, protocol.RequestSet, queue.Begin("app-config-set").Add(ops...)), true
}

// submitTracked reserves the pending entry before tx is queued, so an early
// reply still completes it, and arms the timeout when tx finished.
func (p *AppConfig) submitTracked(appID uuid.UUID, kind protocol.RequestKind, tx *queue.Transaction) *queue.Result {
	err := p.pending.Reserve(appID, kind, func() { p.emitFailed(appID, kind, ReasonTimeout) })
	if err != nil {
		log.Debugf("Not tracking duplicate request on %s: %v", p.env.Device, err)
		return p.env.Submit(tx)
	}

	res := p.env.Submit(tx)
	if res == nil {
		p.pending.Arm(appID, kind)
		return nil
	}
	go func() {
		<-res.Done()
		if err := res.Err(); err != nil {
			if p.pending.Cancel(appID, kind) {
				p.emitFailed(appID, kind, err.Error())
			}
			return
		}
		p.pending.Arm(appID, kind)
	}()
	return res
}

// settle completes the pending entry of a terminal response. It returns
// false for a response to a request that already timed out.
func (p *AppConfig) settle(appID uuid.UUID, kind protocol.RequestKind) bool {
	if p.pending.Complete(appID, kind) || !p.pending.Expired(appID, kind) {
		return true
	}
	log.Debugf("Dropping late %s response for %s on %s", kind, appID, p.env.Device)
	return false
}

// OnResponse handles one reassembled vendor message. It returns false for
// undecodable messages and for shapes a device never sends.
func (p *AppConfig) OnResponse(wire []byte) bool {
	env, err := codec.DecodeEnvelope(wire)
	if err != nil {
		log.Debugf("Ignoring vendor message from %s: %v", p.env.Device, err)
		return false
	}
	log.Debugf("Vendor %s from %s: app=%s status=%d", env.Shape, p.env.Device, env.AppID, env.Status)

	switch env.Shape {
	case codec.ShapeSetStatus:
		if !p.settle(env.AppID, protocol.RequestSet) {
			return true
		}
		if env.Status == codec.StatusOK {
			p.env.emit(event.AppConfigSetSuccess{Header: p.env.header(), AppID: env.AppID})
		} else {
			p.emitSetFailed(env.AppID, fmt.Sprintf("%s %d", ReasonStatus, env.Status))
		}

	case codec.ShapeGetStatus:
		if env.Status == codec.StatusOK {
			return true
		}
		if !p.settle(env.AppID, protocol.RequestGet) {
			return true
		}
		p.emitGetFailed(env.AppID, fmt.Sprintf("%s %d", ReasonStatus, env.Status))

	case codec.ShapeGetRet:
		if !p.settle(env.AppID, protocol.RequestGet) {
			return true
		}
		entries, err := codec.DecodeAppConfigBlob(env.Blob)
		if err != nil {
			p.emitGetFailed(env.AppID, err.Error())
			return true
		}
		p.env.emit(event.AppConfigGetSuccess{Header: p.env.header(), AppID: env.AppID, Entries: entries})

	case codec.ShapeHTTPRequest:
		p.serveHTTP(env.RequestID, env.URL)

	default:
		log.Debugf("Unexpected vendor shape %s from %s", env.Shape, p.env.Device)
		return false
	}
	return true
}

func (p *AppConfig) serveHTTP(id uint32, url string) {
	respond := func(status int, body []byte) {
		ops, err := p.BuildHTTPResponse(id, status, body)
		if err != nil {
			log.Warnf("Cannot frame HTTP response %d for %s: %v", id, p.env.Device, err)
			ops, _ = p.BuildHTTPResponse(id, 502, nil)
		}
		if p.env.Submit == nil {
			log.Warnf("No queue to answer HTTP request %d from %s", id, p.env.Device)
			return
		}
		p.env.Submit(queue.Begin("http-response").Add(ops...))
	}

	if p.opts.HTTP == nil {
		log.Warnf("HTTP request %d from %s not served: no proxy configured", id, p.env.Device)
		respond(501, nil)
		return
	}
	p.opts.HTTP.ServeDeviceRequest(HTTPRequest{Device: p.env.Device, ID: id, URL: url}, respond)
}

func (p *AppConfig) emitFailed(appID uuid.UUID, kind protocol.RequestKind, reason string) {
	if kind == protocol.RequestGet {
		p.emitGetFailed(appID, reason)
	} else {
		p.emitSetFailed(appID, reason)
	}
}

func (p *AppConfig) emitGetFailed(appID uuid.UUID, reason string) {
	p.env.emit(event.AppConfigGetFailed{Header: p.env.header(), AppID: appID, Reason: reason})
}

func (p *AppConfig) emitSetFailed(appID uuid.UUID, reason string) {
	p.env.emit(event.AppConfigSetFailed{Header: p.env.header(), AppID: appID, Reason: reason})
}

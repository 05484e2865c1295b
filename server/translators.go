package server

import (
	"context"
	"edge-rpc/dispatch"
	"edge-rpc/message"
	"edge-rpc/rpc"
	"edge-rpc/transport"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog/log"
)

// Methods served by the gateway to protocol translators.
const (
	MethodRegisterTranslator = "protocol_translator_register"
	MethodDeviceRegister     = "device_register"
	MethodDeviceUnregister   = "device_unregister"
	// MethodWriteValue is how translators push resource values of their devices.
	MethodWriteValue         = "write"

	// MethodWrite is called by the gateway on the translator that owns a device.
	MethodWrite = "write"
)

// Application error codes, outside the range reserved by JSON-RPC.
const (
	CodeAlreadyRegistered json2.ErrorCode = -30001
	CodeNameReserved      json2.ErrorCode = -30002
	CodeNotRegistered     json2.ErrorCode = -30003
	CodeDeviceReserved    json2.ErrorCode = -30004

	CodeDeviceAlreadyRegistered json2.ErrorCode = -30005
	CodeDeviceLimitReached      json2.ErrorCode = -30006
	CodeInvalidStructure        json2.ErrorCode = -30007
	CodeIllegalValue            json2.ErrorCode = -30008
)

var ErrUnknownDevice = errors.New("server: no translator owns the device")

type translator struct {
	name    string
	conn    *transport.Conn
	devices map[string]*device
}

// translators maps registered protocol translators to their connections, devices and
// resource values.
type translators struct {
	mu       sync.Mutex
	byName   map[string]*translator
	byConn   map[*transport.Conn]*translator
	byDevice map[string]*device
	limit    int // 0 means no limit
}

func newTranslators(limit int) *translators {
	return &translators{
		byName:   make(map[string]*translator),
		byConn:   make(map[*transport.Conn]*translator),
		byDevice: make(map[string]*device),
		limit:    limit,
	}
}

var errNotRegistered = &json2.Error{Code: CodeNotRegistered, Message: "Protocol translator not registered"}

func (t *translators) full() bool {
	return t.limit > 0 && len(t.byDevice) >= t.limit
}

func limitReached(deviceID string) error {
	return &json2.Error{Code: CodeDeviceLimitReached, Message: "Registered endpoint limit reached", Data: deviceID}
}

func (t *translators) register(conn *transport.Conn, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byConn[conn]; ok {
		return &json2.Error{Code: CodeAlreadyRegistered, Message: "Protocol translator already registered", Data: existing.name}
	}
	if _, ok := t.byName[name]; ok {
		return &json2.Error{Code: CodeNameReserved, Message: "Protocol translator name reserved", Data: name}
	}
	tr := &translator{name: name, conn: conn, devices: make(map[string]*device)}
	t.byName[name] = tr
	t.byConn[conn] = tr
	return nil
}

// registerDevice adds a new device with its initial resources. A device id is registered
// once; registering it again fails whoever owns it.
func (t *translators) registerDevice(conn *transport.Conn, deviceID string, resources []Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, taken := t.byDevice[deviceID]; taken {
		if d.owner.conn == conn {
			return &json2.Error{Code: CodeDeviceAlreadyRegistered, Message: "Device already registered", Data: deviceID}
		}
		return &json2.Error{Code: CodeDeviceReserved, Message: "Device registered by another translator", Data: deviceID}
	}
	if t.full() {
		return limitReached(deviceID)
	}
	tr, ok := t.byConn[conn]
	if !ok {
		return errNotRegistered
	}
	d := newDevice(deviceID, tr)
	d.apply(resources)
	tr.devices[deviceID] = d
	t.byDevice[deviceID] = d
	return nil
}

// writeValues stores resource values pushed by the device's translator. An unknown device
// is created, within the device limit.
func (t *translators) writeValues(conn *transport.Conn, deviceID string, resources []Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byConn[conn]
	if !ok {
		return errNotRegistered
	}
	d, exists := t.byDevice[deviceID]
	switch {
	case exists && d.owner != tr:
		return &json2.Error{Code: CodeDeviceReserved, Message: "Device registered by another translator", Data: deviceID}
	case !exists:
		if t.full() {
			return limitReached(deviceID)
		}
		d = newDevice(deviceID, tr)
		tr.devices[deviceID] = d
		t.byDevice[deviceID] = d
	}
	d.apply(resources)
	return nil
}

func (t *translators) unregisterDevice(conn *transport.Conn, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byConn[conn]
	if !ok {
		return errNotRegistered
	}
	if _, owned := tr.devices[deviceID]; !owned {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "Device not registered", Data: deviceID}
	}
	delete(tr.devices, deviceID)
	delete(t.byDevice, deviceID)
	return nil
}

// drop forgets the translator on conn and its devices. It returns the translator name.
func (t *translators) drop(conn *transport.Conn) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byConn[conn]
	if !ok {
		return ""
	}
	for id := range tr.devices {
		delete(t.byDevice, id)
	}
	delete(t.byConn, conn)
	delete(t.byName, tr.name)
	return tr.name
}

func (t *translators) owner(deviceID string) (*transport.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byDevice[deviceID]
	if !ok {
		return nil, false
	}
	return d.owner.conn, true
}

// Device returns a registered device and its stored resource values.
func (s *Server) Device(deviceID string) (DeviceInfo, bool) {
	t := s.translators
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byDevice[deviceID]
	if !ok {
		return DeviceInfo{}, false
	}
	return d.info(), true
}

// TranslatorInfo describes a registered translator for diagnostics.
type TranslatorInfo struct {
	Name    string   `json:"name"`
	Conn    string   `json:"conn"`
	Devices []string `json:"devices"`
}

// Translators lists the registered translators ordered by name.
func (s *Server) Translators() []TranslatorInfo {
	t := s.translators
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranslatorInfo, 0, len(t.byName))
	for _, tr := range t.byName {
		devices := make([]string, 0, len(tr.devices))
		for id := range tr.devices {
			devices = append(devices, id)
		}
		sort.Strings(devices)
		out = append(out, TranslatorInfo{Name: tr.name, Conn: tr.conn.String(), Devices: devices})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type nameParams struct {
	Name string `json:"name"`
}

func (s *Server) registerBuiltins() {
	s.table.Register(MethodRegisterTranslator, dispatch.Typed(func(_ context.Context, req *message.Request, p *nameParams) (any, error) {
		conn, err := translatorConn(req)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, &json2.Error{Code: json2.E_BAD_PARAMS, Message: "Invalid params", Data: "Value for key 'name' missing or empty"}
		}
		if req.IsNotification() {
			return nil, &json2.Error{Code: json2.E_BAD_PARAMS, Message: "Invalid params", Data: "Request id missing"}
		}
		if err := s.translators.register(conn, name); err != nil {
			log.Warn().Err(err).Str("name", name).Str("conn", conn.String()).Msg("protocol translator registration refused")
			return nil, err
		}
		log.Info().Str("name", name).Str("conn", conn.String()).Msg("registered protocol translator")
		return "ok", nil
	}))

	s.table.Register(MethodDeviceRegister, dispatch.Typed(func(_ context.Context, req *message.Request, p *deviceParams) (any, error) {
		conn, err := translatorConn(req)
		if err != nil {
			return nil, err
		}
		if err := checkDeviceRequest(req, p); err != nil {
			return nil, err
		}
		resources, err := p.resources()
		if err != nil {
			return nil, err
		}
		if err := s.translators.registerDevice(conn, p.DeviceID, resources); err != nil {
			log.Warn().Err(err).Str("device", p.DeviceID).Str("conn", conn.String()).Msg("device registration refused")
			return nil, err
		}
		log.Info().Str("device", p.DeviceID).Int("resources", len(resources)).Msg("device registered")
		return "ok", nil
	}))

	s.table.Register(MethodWriteValue, dispatch.Typed(func(_ context.Context, req *message.Request, p *deviceParams) (any, error) {
		conn, err := translatorConn(req)
		if err != nil {
			return nil, err
		}
		if err := checkDeviceRequest(req, p); err != nil {
			return nil, err
		}
		resources, err := p.resources()
		if err != nil {
			return nil, err
		}
		if err := s.translators.writeValues(conn, p.DeviceID, resources); err != nil {
			log.Warn().Err(err).Str("device", p.DeviceID).Str("conn", conn.String()).Msg("write value refused")
			return nil, err
		}
		log.Debug().Str("device", p.DeviceID).Int("resources", len(resources)).Msg("device values written")
		return "ok", nil
	}))

	s.table.Register(MethodDeviceUnregister, dispatch.Typed(func(_ context.Context, req *message.Request, p *deviceParams) (any, error) {
		conn, err := translatorConn(req)
		if err != nil {
			return nil, err
		}
		if err := checkDeviceRequest(req, p); err != nil {
			return nil, err
		}
		if err := s.translators.unregisterDevice(conn, p.DeviceID); err != nil {
			return nil, err
		}
		log.Info().Str("device", p.DeviceID).Msg("device unregistered")
		return "ok", nil
	}))
}

func checkDeviceRequest(req *message.Request, p *deviceParams) error {
	if req.IsNotification() {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "Invalid params", Data: "Request id missing"}
	}
	if p.DeviceID == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "Invalid params", Data: "Key 'deviceId' missing or empty"}
	}
	return nil
}

func translatorConn(req *message.Request) (*transport.Conn, error) {
	conn, ok := req.Conn.(*transport.Conn)
	if !ok {
		return nil, &json2.Error{Code: json2.E_INTERNAL, Message: "request did not arrive over a gateway connection"}
	}
	return conn, nil
}

// Operation bits of a write request.
const (
	OperationRead    = 0x01
	OperationWrite   = 0x02
	OperationExecute = 0x04
)

// WriteRequest addresses one resource of a device behind a protocol translator.
type WriteRequest struct {
	DeviceID         string
	ObjectID         int
	ObjectInstanceID int
	ResourceID       int
	Operation        int
	Value            []byte
}

// PendingWrite identifies a call issued by Write on the connection it was sent over.
type PendingWrite struct {
	ID   string
	Conn *transport.Conn
}

// Write sends a write call to the translator that registered req.DeviceID. The value is
// base64 encoded on the wire. Callbacks and userContext follow rpc.Orchestrator.SendCall,
// including release on every failure path.
func (s *Server) Write(req WriteRequest, cb rpc.Callbacks, userContext any) (PendingWrite, error) {
	conn, ok := s.translators.owner(req.DeviceID)
	if !ok {
		if cb.Release != nil {
			cb.Release(userContext)
		}
		return PendingWrite{}, fmt.Errorf("%w: %q", ErrUnknownDevice, req.DeviceID)
	}
	if req.Operation&OperationWrite != 0 && len(req.Value) == 0 {
		if cb.Release != nil {
			cb.Release(userContext)
		}
		return PendingWrite{}, fmt.Errorf("server: write to %q without a value", req.DeviceID)
	}
	params := map[string]any{
		"uri": map[string]any{
			"deviceId":         req.DeviceID,
			"objectId":         req.ObjectID,
			"objectInstanceId": req.ObjectInstanceID,
			"resourceId":       req.ResourceID,
		},
		"operation": req.Operation,
		"value":     base64.StdEncoding.EncodeToString(req.Value),
	}
	id, err := s.Call(conn, MethodWrite, params, cb, userContext)
	return PendingWrite{ID: id, Conn: conn}, err
}

// CancelWrite abandons a write issued by Write that is still waiting for its response,
// even if its device has since been unregistered or moved. The release function runs;
// the handlers do not.
func (s *Server) CancelWrite(w PendingWrite) bool {
	if w.Conn == nil || w.ID == "" {
		return false
	}
	return s.rpc.Abandon(w.Conn, w.ID)
}

package messages

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/davidroman0O/proxylite/internal/types"
)

// ValueType tags the encoding of a single property value.
type ValueType uint8

const (
	ValueString ValueType = iota + 1
	ValueBool
	ValueInt64
	ValueBytes
	ValueJSON
)

// Well-known property keys shared with the proxy.
const (
	PropRequestID     = "RequestId"
	PropContextID     = "ContextId"
	PropChildID       = "ChildId"
	PropActivityID    = "ActivityId"
	PropQueueID       = "QueueId"
	PropWorkerID      = "WorkerId"
	PropError         = "Error"
	PropErrorType     = "ErrorType"
	PropErrorDetails  = "ErrorDetails"
	PropName          = "Name"
	PropDomain        = "Domain"
	PropTaskQueue     = "TaskQueue"
	PropMode          = "Mode"
	PropRunID         = "RunId"
	PropWorkflowID    = "WorkflowId"
	PropSignalName    = "SignalName"
	PropQueryName     = "QueryName"
	PropListenAddress = "ListenAddress"
	PropVersion       = "LibraryVersion"
	PropReplaying     = "Replaying"
	PropCapacity      = "Capacity"
)

// Property is one entry of an Envelope's ordered field bag.
type Property struct {
	Key   string
	Type  ValueType
	Value []byte
}

// Envelope is the generic, self-describing message exchanged with the
// proxy: a kind tag, an ordered property bag and an optional payload of
// raw argument/result bytes. Envelopes are built and read by a single
// goroutine at a time; they carry no internal locking.
type Envelope struct {
	Kind    Kind
	Payload []byte

	props []Property
	index map[string]int
}

func NewEnvelope(kind Kind) *Envelope {
	return &Envelope{
		Kind:  kind,
		index: make(map[string]int),
	}
}

// NewReply builds the reply envelope for a request, pairing the kind and
// carrying over the request id.
func NewReply(request *Envelope) *Envelope {
	reply := NewEnvelope(request.Kind.ReplyKind())
	reply.SetRequestID(request.RequestID())
	return reply
}

// Properties returns the property bag in insertion order.
func (e *Envelope) Properties() []Property {
	return e.props
}

func (e *Envelope) setProperty(key string, typ ValueType, value []byte) {
	if e.index == nil {
		e.index = make(map[string]int)
	}
	if i, ok := e.index[key]; ok {
		e.props[i].Type = typ
		e.props[i].Value = value
		return
	}
	e.index[key] = len(e.props)
	e.props = append(e.props, Property{Key: key, Type: typ, Value: value})
}

func (e *Envelope) getProperty(key string) (Property, bool) {
	i, ok := e.index[key]
	if !ok {
		return Property{}, false
	}
	return e.props[i], true
}

// addDecodedProperty is used by the codec; unlike setProperty it treats a
// duplicate key as a protocol violation.
func (e *Envelope) addDecodedProperty(p Property) error {
	if e.index == nil {
		e.index = make(map[string]int)
	}
	if _, ok := e.index[p.Key]; ok {
		return &ProtocolError{Op: "decode", Reason: fmt.Sprintf("duplicate property key %q", p.Key)}
	}
	e.index[p.Key] = len(e.props)
	e.props = append(e.props, p)
	return nil
}

func (e *Envelope) SetStringProperty(key, value string) {
	e.setProperty(key, ValueString, []byte(value))
}

func (e *Envelope) GetStringProperty(key string) (string, bool) {
	p, ok := e.getProperty(key)
	if !ok || p.Type != ValueString {
		return "", false
	}
	return string(p.Value), true
}

func (e *Envelope) SetBoolProperty(key string, value bool) {
	b := byte(0)
	if value {
		b = 1
	}
	e.setProperty(key, ValueBool, []byte{b})
}

func (e *Envelope) GetBoolProperty(key string) (bool, bool) {
	p, ok := e.getProperty(key)
	if !ok || p.Type != ValueBool || len(p.Value) != 1 {
		return false, false
	}
	return p.Value[0] != 0, true
}

func (e *Envelope) SetInt64Property(key string, value int64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	e.setProperty(key, ValueInt64, buf)
}

func (e *Envelope) GetInt64Property(key string) (int64, bool) {
	p, ok := e.getProperty(key)
	if !ok || p.Type != ValueInt64 || len(p.Value) != 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(p.Value)), true
}

func (e *Envelope) SetBytesProperty(key string, value []byte) {
	e.setProperty(key, ValueBytes, value)
}

func (e *Envelope) GetBytesProperty(key string) ([]byte, bool) {
	p, ok := e.getProperty(key)
	if !ok || p.Type != ValueBytes {
		return nil, false
	}
	return p.Value, true
}

func (e *Envelope) SetJSONProperty(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e.setProperty(key, ValueJSON, data)
	return nil
}

func (e *Envelope) GetJSONProperty(key string, out interface{}) (bool, error) {
	p, ok := e.getProperty(key)
	if !ok || p.Type != ValueJSON {
		return false, nil
	}
	if err := json.Unmarshal(p.Value, out); err != nil {
		return true, err
	}
	return true, nil
}

//----------------------------------------------------------------------------
// typed accessors for the well-known fields

// RequestID returns the correlation id, or 0 for fire-and-forget envelopes.
func (e *Envelope) RequestID() types.RequestID {
	v, _ := e.GetInt64Property(PropRequestID)
	return types.RequestID(v)
}

func (e *Envelope) SetRequestID(id types.RequestID) {
	e.SetInt64Property(PropRequestID, int64(id))
}

// ContextID returns the execution context this envelope is tied to, or 0
// when it is not context-bound.
func (e *Envelope) ContextID() types.ContextID {
	v, _ := e.GetInt64Property(PropContextID)
	return types.ContextID(v)
}

func (e *Envelope) SetContextID(id types.ContextID) {
	e.SetInt64Property(PropContextID, int64(id))
}

// SetError records a remote failure on a reply envelope.
func (e *Envelope) SetError(remote *RemoteError) {
	e.SetStringProperty(PropError, remote.Message)
	e.SetStringProperty(PropErrorType, remote.Type)
	if remote.Details != "" {
		e.SetStringProperty(PropErrorDetails, remote.Details)
	}
}

// RemoteError returns the remote failure carried by a reply, or nil when
// the reply is successful.
func (e *Envelope) RemoteError() *RemoteError {
	msg, ok := e.GetStringProperty(PropError)
	if !ok {
		return nil
	}
	typ, _ := e.GetStringProperty(PropErrorType)
	details, _ := e.GetStringProperty(PropErrorDetails)
	return &RemoteError{Type: typ, Message: msg, Details: details}
}

package messages

// Kind tags the concrete request or reply carried by an Envelope. Kinds are
// declared in request/reply pairs so that ReplyKind is a fixed offset; the
// proxy and the client both rely on that pairing.
type Kind uint32

const (
	KindUnspecified Kind = iota

	// client category
	KindInitializeRequest
	KindInitializeReply
	KindTerminateRequest
	KindTerminateReply
	KindHeartbeatRequest
	KindHeartbeatReply
	KindEchoRequest
	KindEchoReply
	KindConnectRequest
	KindConnectReply

	// worker category
	KindWorkerStartRequest
	KindWorkerStartReply
	KindWorkerStopRequest
	KindWorkerStopReply

	// workflow category
	KindWorkflowRegisterRequest
	KindWorkflowRegisterReply
	KindWorkflowExecuteRequest
	KindWorkflowExecuteReply
	KindWorkflowSignalRequest
	KindWorkflowSignalReply
	KindWorkflowQueryRequest
	KindWorkflowQueryReply
	KindWorkflowCancelRequest
	KindWorkflowCancelReply
	KindWorkflowGetResultRequest
	KindWorkflowGetResultReply
	KindWorkflowInvokeRequest // proxy push: run registered workflow code
	KindWorkflowInvokeReply
	KindWorkflowChildExecuteRequest
	KindWorkflowChildExecuteReply
	KindWorkflowChildCompletedRequest // proxy push: child result is in
	KindWorkflowChildCompletedReply
	KindWorkflowSignalReceivedRequest // proxy push: signal delivery
	KindWorkflowSignalReceivedReply
	KindWorkflowQueueNewRequest
	KindWorkflowQueueNewReply
	KindWorkflowQueueWriteRequest
	KindWorkflowQueueWriteReply
	KindWorkflowQueueReadRequest
	KindWorkflowQueueReadReply

	// activity category
	KindActivityRegisterRequest
	KindActivityRegisterReply
	KindActivityExecuteRequest
	KindActivityExecuteReply
	KindActivityInvokeRequest // proxy push: run registered activity code
	KindActivityInvokeReply
	KindActivityHeartbeatRequest
	KindActivityHeartbeatReply
	KindActivityCompletedRequest // proxy push: activity result is in
	KindActivityCompletedReply

	kindSentinel
)

var kindNames = map[Kind]string{
	KindUnspecified:                   "Unspecified",
	KindInitializeRequest:             "InitializeRequest",
	KindInitializeReply:               "InitializeReply",
	KindTerminateRequest:              "TerminateRequest",
	KindTerminateReply:                "TerminateReply",
	KindHeartbeatRequest:              "HeartbeatRequest",
	KindHeartbeatReply:                "HeartbeatReply",
	KindEchoRequest:                   "EchoRequest",
	KindEchoReply:                     "EchoReply",
	KindConnectRequest:                "ConnectRequest",
	KindConnectReply:                  "ConnectReply",
	KindWorkerStartRequest:            "WorkerStartRequest",
	KindWorkerStartReply:              "WorkerStartReply",
	KindWorkerStopRequest:             "WorkerStopRequest",
	KindWorkerStopReply:               "WorkerStopReply",
	KindWorkflowRegisterRequest:       "WorkflowRegisterRequest",
	KindWorkflowRegisterReply:         "WorkflowRegisterReply",
	KindWorkflowExecuteRequest:        "WorkflowExecuteRequest",
	KindWorkflowExecuteReply:          "WorkflowExecuteReply",
	KindWorkflowSignalRequest:         "WorkflowSignalRequest",
	KindWorkflowSignalReply:           "WorkflowSignalReply",
	KindWorkflowQueryRequest:          "WorkflowQueryRequest",
	KindWorkflowQueryReply:            "WorkflowQueryReply",
	KindWorkflowCancelRequest:         "WorkflowCancelRequest",
	KindWorkflowCancelReply:           "WorkflowCancelReply",
	KindWorkflowGetResultRequest:      "WorkflowGetResultRequest",
	KindWorkflowGetResultReply:        "WorkflowGetResultReply",
	KindWorkflowInvokeRequest:         "WorkflowInvokeRequest",
	KindWorkflowInvokeReply:           "WorkflowInvokeReply",
	KindWorkflowChildExecuteRequest:   "WorkflowChildExecuteRequest",
	KindWorkflowChildExecuteReply:     "WorkflowChildExecuteReply",
	KindWorkflowChildCompletedRequest: "WorkflowChildCompletedRequest",
	KindWorkflowChildCompletedReply:   "WorkflowChildCompletedReply",
	KindWorkflowSignalReceivedRequest: "WorkflowSignalReceivedRequest",
	KindWorkflowSignalReceivedReply:   "WorkflowSignalReceivedReply",
	KindWorkflowQueueNewRequest:       "WorkflowQueueNewRequest",
	KindWorkflowQueueNewReply:         "WorkflowQueueNewReply",
	KindWorkflowQueueWriteRequest:     "WorkflowQueueWriteRequest",
	KindWorkflowQueueWriteReply:       "WorkflowQueueWriteReply",
	KindWorkflowQueueReadRequest:      "WorkflowQueueReadRequest",
	KindWorkflowQueueReadReply:        "WorkflowQueueReadReply",
	KindActivityRegisterRequest:       "ActivityRegisterRequest",
	KindActivityRegisterReply:         "ActivityRegisterReply",
	KindActivityExecuteRequest:        "ActivityExecuteRequest",
	KindActivityExecuteReply:          "ActivityExecuteReply",
	KindActivityInvokeRequest:         "ActivityInvokeRequest",
	KindActivityInvokeReply:           "ActivityInvokeReply",
	KindActivityHeartbeatRequest:      "ActivityHeartbeatRequest",
	KindActivityHeartbeatReply:        "ActivityHeartbeatReply",
	KindActivityCompletedRequest:      "ActivityCompletedRequest",
	KindActivityCompletedReply:        "ActivityCompletedReply",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether k is a kind this client understands.
func (k Kind) Valid() bool {
	return k > KindUnspecified && k < kindSentinel
}

// IsRequest reports whether k is a request kind. Requests sit on odd
// offsets because every pair is declared request-first.
func (k Kind) IsRequest() bool {
	return k.Valid() && k%2 == 1
}

// IsReply reports whether k is a reply kind.
func (k Kind) IsReply() bool {
	return k.Valid() && k%2 == 0
}

// ReplyKind returns the reply kind paired with the request kind k.
func (k Kind) ReplyKind() Kind {
	if !k.IsRequest() {
		return KindUnspecified
	}
	return k + 1
}

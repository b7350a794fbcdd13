package transport

// Reserved header codes. Codes below CustomBase are controlled by this
// package; codes from CustomBase up are assigned by modules layered on top
// of it (the swapchain mirror reserves 100-111, see swapchain.headerBase).
const (
	FunctionCall    uint16 = 1
	FunctionReturn  uint16 = 2
	SyncRequest     uint16 = 3
	SyncResponse    uint16 = 4
	PollEvent       uint16 = 5
	PollEventReturn uint16 = 6
	Shutdown        uint16 = 99
	CustomBase      uint16 = 100
)

// ReservedHeader reports whether code is claimed by this package itself
// (as opposed to being available for higher layers to assign).
func ReservedHeader(code uint16) bool {
	switch code {
	case FunctionCall, FunctionReturn, SyncRequest, SyncResponse, PollEvent, PollEventReturn, Shutdown:
		return true
	default:
		return false
	}
}

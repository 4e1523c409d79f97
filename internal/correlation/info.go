package correlation

// Info is the correlation state of one unit of work.
type Info struct {
	// Current is the identifier of the active scope.
	Current string `json:"current,omitempty"`
	// ReceivedInRequest is set when the identifier came from the caller.
	ReceivedInRequest string `json:"receivedInRequest,omitempty"`
	// Generated is set when the identifier was minted for this unit of work.
	Generated string `json:"generated,omitempty"`
}

package handshake

// ID names one node of the hierarchical state tree: the handshake root,
// its eight child states, and the sibling Established leaf.
type ID int

const (
	StateNone ID = iota // pseudo-state: no ancestors, used only as the starting "current" state
	StateHandshakeRoot
	StateStart
	StateServerCertificate
	StateCertificateRequest
	StateServerHelloDone
	StateVerifyServerCertificate
	StateCertificateVerify
	StateChangeCipherSpec
	StateServerFinished
	StateEstablished
)

func (id ID) String() string {
	switch id {
	case StateNone:
		return "none"
	case StateHandshakeRoot:
		return "Handshake"
	case StateStart:
		return "Start"
	case StateServerCertificate:
		return "ServerCertificate"
	case StateCertificateRequest:
		return "CertificateRequest"
	case StateServerHelloDone:
		return "ServerHelloDone"
	case StateVerifyServerCertificate:
		return "VerifyServerCertificate"
	case StateCertificateVerify:
		return "CertificateVerify"
	case StateChangeCipherSpec:
		return "ChangeCipherSpec"
	case StateServerFinished:
		return "ServerFinished"
	case StateEstablished:
		return "Established"
	default:
		return "unknown"
	}
}

// parent is the compile-time state tree: every handshake state is a
// child of the Handshake root; Established is a sibling of the root,
// outside the handshake subtree entirely.
var parent = map[ID]ID{
	StateStart:                   StateHandshakeRoot,
	StateServerCertificate:       StateHandshakeRoot,
	StateCertificateRequest:      StateHandshakeRoot,
	StateServerHelloDone:         StateHandshakeRoot,
	StateVerifyServerCertificate: StateHandshakeRoot,
	StateCertificateVerify:       StateHandshakeRoot,
	StateChangeCipherSpec:        StateHandshakeRoot,
	StateServerFinished:          StateHandshakeRoot,
}

// path returns id and its ancestors, self first, root-most last. StateNone
// has no ancestors at all; it exists only to make the very first
// transition (into Start) produce a well-defined enter path with no exits.
func path(id ID) []ID {
	if id == StateNone {
		return nil
	}
	var p []ID
	for {
		p = append(p, id)
		next, ok := parent[id]
		if !ok {
			return p
		}
		id = next
	}
}

// Transition computes, for a move from current to next, the ordered list
// of nodes to exit (current and its ancestors up to but not including
// their lowest common ancestor with next) and the ordered list of nodes to
// enter (the ancestors of next below that common ancestor, down to next
// itself).
func Transition(current, next ID) (exitPath, enterPath []ID) {
	curPath := path(current)
	nextPath := path(next)

	nextSet := make(map[ID]int, len(nextPath))
	for i, n := range nextPath {
		nextSet[n] = i
	}

	lcaIdxInNext := -1
	for _, c := range curPath {
		if i, ok := nextSet[c]; ok {
			lcaIdxInNext = i
			break
		}
		exitPath = append(exitPath, c)
	}

	if lcaIdxInNext == -1 {
		// No common ancestor: enter every node of next, root-most first.
		for i := len(nextPath) - 1; i >= 0; i-- {
			enterPath = append(enterPath, nextPath[i])
		}
		return exitPath, enterPath
	}
	for i := lcaIdxInNext - 1; i >= 0; i-- {
		enterPath = append(enterPath, nextPath[i])
	}
	return exitPath, enterPath
}

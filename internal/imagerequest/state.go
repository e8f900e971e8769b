package imagerequest

// State is how far along an image request is.
type State uint8

const (
	Unavailable State = iota
	PartiallyAvailable
	CompletelyAvailable
	Broken
)

func (s State) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case PartiallyAvailable:
		return "partially-available"
	case CompletelyAvailable:
		return "completely-available"
	case Broken:
		return "broken"
	}
	return "unknown"
}

// Available reports whether at least partial pixel data may be painted.
func (s State) Available() bool {
	return s == PartiallyAvailable || s == CompletelyAvailable
}

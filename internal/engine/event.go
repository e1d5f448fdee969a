package engine

import "time"

// Kind classifies what happened to a path.
type Kind int

const (
	KindCreated Kind = iota
	KindModified
	KindDeleted
)

func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Origin identifies which side produced a change event.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// ChangeEvent is one observed change on one path. Paths are always relative
// to the sync root, slash-separated.
type ChangeEvent struct {
	Path       string
	Kind       Kind
	Origin     Origin
	ObservedAt time.Time
}

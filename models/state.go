package models

// StateKind discriminates FeedState
type StateKind int

const (
	StateInitial StateKind = iota
	StateLoading
	StateLoaded
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateInitial:
		return "initial"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	}
	return "unknown"
}

// FeedState is what a consumer knows about a feed after folding the batches
// of a session into it. Items and HasMore are only meaningful for Loading and Loaded,
// Error only for StateError.
type FeedState struct {
	Kind    StateKind
	Items   []FeedItem
	HasMore bool
	Error   string
}

// Apply folds a batch into the state. A terminal batch that recovered from a failure
// without any items becomes StateError, otherwise it becomes StateLoaded.
func (s FeedState) Apply(batch FeedBatch) FeedState {
	if !batch.IsComplete {
		return FeedState{Kind: StateLoading, Items: batch.Items, HasMore: batch.HasMore}
	}
	if batch.Error != "" && len(batch.Items) == 0 {
		return FeedState{Kind: StateError, Error: batch.Error}
	}
	return FeedState{Kind: StateLoaded, Items: batch.Items, HasMore: batch.HasMore, Error: batch.Error}
}

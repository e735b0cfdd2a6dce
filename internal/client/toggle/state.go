package toggle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pengwow/quantcell-realtime/internal/client/store"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

const keyPrefix = "realtime-toggle:"

// PersistedState is written on every ON/OFF transition.
type PersistedState struct {
	IsRealtime bool   `json:"isRealtime"`
	Symbol     string `json:"symbol"`
	Period     string `json:"period"`
	Timestamp  int64  `json:"timestamp"`
}

// StorageKey is the store key for one toggle instance.
func StorageKey(instance string) string {
	return keyPrefix + instance
}

func loadState(ctx context.Context, s store.Store, key string) (PersistedState, bool, error) {
	var state PersistedState
	data, err := s.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return state, false, nil
	}
	if err != nil {
		return state, false, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, false, messaging.NewStaleStateError("persisted toggle state is unreadable")
	}
	return state, true, nil
}

func saveState(ctx context.Context, s store.Store, key string, state PersistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data)
}

// checkFresh decides whether state may be resumed for the current view.
// A state that is simply OFF is not an error.
func checkFresh(state PersistedState, symbol, period string, now time.Time, window time.Duration) (bool, error) {
	if !state.IsRealtime {
		return false, nil
	}
	age := now.Sub(time.UnixMilli(state.Timestamp))
	if age > window {
		return false, messaging.NewStaleStateError(fmt.Sprintf("toggle state is %s old, window is %s", age.Round(time.Second), window))
	}
	if state.Symbol != symbol || state.Period != period {
		return false, messaging.NewStaleStateError(fmt.Sprintf("toggle state is for %s %s, view is %s %s",
			state.Symbol, state.Period, symbol, period))
	}
	return true, nil
}

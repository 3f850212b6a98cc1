package board

import (
	"encoding/json"
	"errors"
	"slices"
)

type identifiable interface {
	EntityID() string
}

func indexOf[T identifiable](list []T, id string) int {
	return slices.IndexFunc(list, func(item T) bool { return item.EntityID() == id })
}

// addEntity appends item unless an entity with the same id already exists.
func addEntity[T identifiable](list []T, item T) []T {
	if indexOf(list, item.EntityID()) >= 0 {
		return list
	}
	return append(slices.Clip(list), item)
}

// updateEntity shallow-merges updates into the entity with the given id.
// A missing id is a no-op.
func updateEntity[T identifiable](list []T, id string, updates json.RawMessage) ([]T, error) {
	i := indexOf(list, id)
	if i < 0 {
		return list, nil
	}
	merged, err := mergeFields(list[i], updates)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(merged); err != nil {
		return nil, err
	}
	out := slices.Clone(list)
	out[i] = merged
	return out, nil
}

func removeEntity[T identifiable](list []T, id string) []T {
	i := indexOf(list, id)
	if i < 0 {
		return list
	}
	return slices.Delete(slices.Clone(list), i, i+1)
}

// mergeFields overlays the top-level keys of updates onto current. The id key
// is ignored and explicit nulls reset a field to its zero value.
func mergeFields[T any](current T, updates json.RawMessage) (T, error) {
	var zero T
	if len(updates) == 0 {
		return zero, errors.New("missing updates")
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(updates, &patch); err != nil {
		return zero, err
	}
	base, err := json.Marshal(current)
	if err != nil {
		return zero, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return zero, err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return zero, err
	}
	return out, nil
}

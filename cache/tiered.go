package cache

import "errors"

// Tiered layers a fast primary cache over a larger secondary one.
//
// Reads try the primary first and fall back to the secondary, copying
// secondary hits into the primary. Writes go to both tiers and are accepted
// if either tier accepts them.
type Tiered struct {
	primary   BlockCache
	secondary BlockCache
}

var _ BlockCache = (*Tiered)(nil)

// NewTiered returns a cache reading through primary to secondary.
func NewTiered(primary, secondary BlockCache) *Tiered {
	return &Tiered{primary: primary, secondary: secondary}
}

// PushBlock stores data in both tiers and returns its key.
func (t *Tiered) PushBlock(data []byte) (string, error) {
	key := Key(data)
	if err := t.PushData(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// PullBlock returns verified bytes from the first tier that has them.
func (t *Tiered) PullBlock(hash string) ([]byte, error) {
	return t.pull(hash, BlockCache.PullBlock)
}

// PushData stores data under hash in both tiers.
func (t *Tiered) PushData(hash string, data []byte) error {
	perr := t.primary.PushData(hash, data)
	serr := t.secondary.PushData(hash, data)
	if perr == nil || serr == nil {
		return nil
	}
	return errors.Join(perr, serr)
}

// PullData returns unverified bytes from the first tier that has them.
func (t *Tiered) PullData(hash string) ([]byte, error) {
	return t.pull(hash, BlockCache.PullData)
}

// Clear clears both tiers.
func (t *Tiered) Clear() error {
	return errors.Join(t.primary.Clear(), t.secondary.Clear())
}

func (t *Tiered) pull(hash string, get func(BlockCache, string) ([]byte, error)) ([]byte, error) {
	data, err := get(t.primary, hash)
	if err == nil {
		return data, nil
	}
	if !IsMiss(err) {
		return nil, err
	}
	data, err = get(t.secondary, hash)
	if err != nil {
		return nil, err
	}
	_ = t.primary.PushData(hash, data) //nolint:errcheck // promotion is best-effort
	return data, nil
}

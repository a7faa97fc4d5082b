package validation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"

	"github.com/corona10/goimagehash"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/orchestration/dedup"
)

// Medium adds content and perceptual hashing and a dedup check on top of Fast.
type Medium struct {
	fast    *Fast
	indexes IndexSource
}

func (m *Medium) Strategy() domain.ValidationStrategy { return domain.StrategyMedium }

// Validate implements Validator.
func (m *Medium) Validate(ctx context.Context, c *Candidate) (Verdict, error) {
	v := m.fast.check(c)
	if v.Decision != domain.DecisionAccept {
		return v, nil
	}
	v, ok := fingerprint(c, v)
	if !ok {
		return v, nil
	}

	match, err := m.indexes.For(c.JobID).LookupOrInsert(ctx, entry(c, v))
	if err != nil {
		return Verdict{}, err
	}
	v.Indexed = match == nil
	return applyMatch(c, v, match), nil
}

// fingerprint decodes the image and fills both hashes.
func fingerprint(c *Candidate, v Verdict) (Verdict, bool) {
	sum := sha256.Sum256(c.Data)
	v.ContentHash = hex.EncodeToString(sum[:])

	img, _, err := image.Decode(bytes.NewReader(c.Data))
	if err != nil {
		return reject("undecodable body: %v", err), false
	}
	ph, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return reject("perceptual hash: %v", err), false
	}
	v.PerceptualHash = ph.GetHash()
	return v, true
}

func entry(c *Candidate, v Verdict) dedup.Entry {
	ref := c.ImageID
	if ref == "" {
		ref = c.URL
	}
	return dedup.Entry{ContentHash: v.ContentHash, PerceptualHash: v.PerceptualHash, ImageRef: ref}
}

// applyMatch turns an index hit into a duplicate verdict. A hit on the
// candidate's own ref was indexed by an earlier attempt of the same chunk.
func applyMatch(c *Candidate, v Verdict, match *dedup.Match) Verdict {
	if match == nil || (c.ImageID != "" && match.ImageRef == c.ImageID) {
		return v
	}
	v.Decision = domain.DecisionDuplicate
	v.DuplicateOf = match.ImageRef
	if match.Exact {
		v.Reason = "exact duplicate"
	} else {
		v.Reason = fmt.Sprintf("near duplicate (distance %d)", match.Distance)
	}
	return v
}

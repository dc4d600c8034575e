package profiles

import (
	"fmt"
	"sort"
	"strings"
)

// Source is the intrinsic format of a catalog item. Only the parts relevant
// to the requested kind are read.
type Source struct {
	Audio AudioFormat `json:"audio"`
	Video VideoFormat `json:"video"`
	Image ImageSize   `json:"image"`
}

// Offer is one way of delivering an item: the profile, the format the item
// will have once corrected for it, and its rank.
type Offer struct {
	Profile DeliveryProfile `json:"profile"`
	Audio   AudioFormat     `json:"audio"`
	Video   VideoFormat     `json:"video"`
	Image   ImageSize       `json:"image"`

	// Penalty is the correction penalty alone; Rank adds the profile's base
	// priority and orders the offers.
	Penalty int `json:"penalty"`
	Rank    int `json:"rank"`

	// EstimatedSize is set for images only.
	EstimatedSize int64 `json:"estimatedSize,omitempty"`
}

// NegotiatedOffer is the ranked result of a negotiation, best first.
type NegotiatedOffer []Offer

// Best returns the first offer.
func (n NegotiatedOffer) Best() (Offer, bool) {
	if len(n) == 0 {
		return Offer{}, false
	}
	return n[0], true
}

// ProfilesFor ranks every enabled profile of kind the client accepts against
// src. Offers ranked at or above HiddenPriority are dropped; ties keep
// declaration order.
func (c *Catalog) ProfilesFor(kind Kind, clientID string, src Source) (NegotiatedOffer, error) {
	allowed := c.allowed(clientID, kind)

	var offers NegotiatedOffer
	for _, p := range c.enabled[kind] {
		if !allowed(p) {
			continue
		}

		corrected, penalty := CorrectedFormat(p, src)
		rank := p.Priority + penalty
		if rank >= HiddenPriority {
			continue
		}

		offer := Offer{
			Profile: p,
			Audio:   corrected.Audio,
			Video:   corrected.Video,
			Image:   corrected.Image,
			Penalty: penalty,
			Rank:    rank,
		}
		if kind == KindImage {
			offer.EstimatedSize = estimateImageSize(p, corrected.Image)
		}
		offers = append(offers, offer)
	}

	if len(offers) == 0 {
		return nil, fmt.Errorf("%w: %s for client %q", ErrNoCompatibleFormat, kind, clientID)
	}

	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].Rank != offers[j].Rank {
			return offers[i].Rank < offers[j].Rank
		}
		return offers[i].Profile.order < offers[j].Profile.order
	})
	return offers, nil
}

// ListProtocols returns the protocol info of every enabled profile the client
// accepts, ranked by base priority. It backs the connection manager's source
// protocol list.
func (c *Catalog) ListProtocols(clientID string) []string {
	var all []DeliveryProfile
	for _, kind := range []Kind{KindAudio, KindVideo, KindImage} {
		allowed := c.allowed(clientID, kind)
		for _, p := range c.enabled[kind] {
			if allowed(p) {
				all = append(all, p)
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Priority < all[j].Priority })

	out := make([]string, len(all))
	for i, p := range all {
		out[i] = ProtocolInfo(p, p.Kind != KindImage)
	}
	return out
}

func estimateImageSize(p DeliveryProfile, s ImageSize) int64 {
	pixels := int64(s.Width) * int64(s.Height)
	if strings.HasPrefix(p.Name, "JPEG") {
		pixels /= 2
	}
	// header estimate
	return 1024 + pixels
}

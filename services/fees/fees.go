// Package fees computes the monetary splits applied when a marketplace sale
// finalizes. All splits use floor division so rounding loss is absorbed by
// the platform and royalty side, never paid out to the seller.
package fees

const bpsDenominator = 10000

// SaleFees is the breakdown of a finalized sale price.
type SaleFees struct {
	PlatformFee    int64 `json:"platform_fee"`
	Royalty        int64 `json:"royalty"`
	CreatorRoyalty int64 `json:"creator_royalty"`
	AuthorRoyalty  int64 `json:"author_royalty"`
	SellerProceeds int64 `json:"seller_proceeds"`
}

// CalcSaleFees splits price into platform fee, royalty and seller proceeds.
// platformFeeBps and royaltyBps are basis points (0-10000), creatorSharePct
// is the creator's percent share (0-100) of the royalty when the item has a
// separate author. Out-of-range inputs are clamped before use. Seller
// proceeds are computed last from the already-floored fee and royalty.
func CalcSaleFees(price int64, platformFeeBps, royaltyBps, creatorSharePct int, hasSeparateAuthor bool) SaleFees {
	if price < 0 {
		price = 0
	}
	platformFeeBps = clamp(platformFeeBps, 0, bpsDenominator)
	royaltyBps = clamp(royaltyBps, 0, bpsDenominator)
	creatorSharePct = clamp(creatorSharePct, 0, 100)

	platformFee := price * int64(platformFeeBps) / bpsDenominator
	royalty := price * int64(royaltyBps) / bpsDenominator

	creatorRoyalty := royalty
	var authorRoyalty int64
	if hasSeparateAuthor {
		creatorRoyalty = royalty * int64(creatorSharePct) / 100
		authorRoyalty = royalty - creatorRoyalty
	}

	return SaleFees{
		PlatformFee:    platformFee,
		Royalty:        royalty,
		CreatorRoyalty: creatorRoyalty,
		AuthorRoyalty:  authorRoyalty,
		SellerProceeds: price - platformFee - royalty,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

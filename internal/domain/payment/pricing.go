package payment

// Package is a purchasable credit bundle
type Package struct {
	AmountFen int    `json:"amount_fen"`
	Credits   int    `json:"credits"`
	Label     string `json:"label"`
}

// PriceTable maps an amount in fen to the credits it buys. Only exact matches
// grant credits; a paid amount outside the table grants zero and flags the
// order for manual review.
type PriceTable map[int]int

// DefaultPackages mirrors the recharge bundles sold in the product UI
// (bonus credits included).
var DefaultPackages = []Package{
	{AmountFen: 1000, Credits: 100, Label: "starter"},
	{AmountFen: 4900, Credits: 540, Label: "standard"},
	{AmountFen: 9900, Credits: 1200, Label: "value"},
	{AmountFen: 49900, Credits: 6600, Label: "premium"},
}

// DefaultPriceTable builds the lookup table from DefaultPackages
func DefaultPriceTable() PriceTable {
	table := make(PriceTable, len(DefaultPackages))
	for _, p := range DefaultPackages {
		table[p.AmountFen] = p.Credits
	}
	return table
}

// CreditsFor returns the credits for an amount and whether it matched a package
func (t PriceTable) CreditsFor(amountFen int) (int, bool) {
	credits, ok := t[amountFen]
	return credits, ok
}

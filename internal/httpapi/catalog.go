package httpapi

// CreditPackage is a purchasable credit bundle. The payment provider confirms
// the charge; the confirmed payment intent id keys the resulting grant.
type CreditPackage struct {
	ID       string `json:"id"`
	Credits  int64  `json:"credits"`
	PriceEur int64  `json:"price_eur"`
}

// MarketplaceComponent is a one-time purchasable catalog entry.
type MarketplaceComponent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Credits     int64  `json:"credits"`
}

const itemTypeComponent = "COMPONENT"

// Grants from purchased packages expire after two years.
const creditsExpirationYears = 2

var creditPackages = []CreditPackage{
	{ID: "package-1", Credits: 500, PriceEur: 5},
	{ID: "package-2", Credits: 1200, PriceEur: 10},
	{ID: "package-3", Credits: 3000, PriceEur: 20},
}

var marketplaceComponents = []MarketplaceComponent{
	{
		ID:          "photo-restoration",
		Name:        "AI Photo Restoration",
		Description: "Repair scratches, revive colors, and sharpen faces in one pass.",
		Credits:     50,
	},
	{
		ID:          "magic-effects",
		Name:        "Magic Effects & Styles",
		Description: "Cinematic filters and artistic styles for any shot.",
		Credits:     120,
	},
	{
		ID:          "background-studio",
		Name:        "Background Studio",
		Description: "Cut out subjects and place them on generated backdrops.",
		Credits:     80,
	},
}

func findCreditPackage(packageID string) (CreditPackage, bool) {
	for _, creditPackage := range creditPackages {
		if creditPackage.ID == packageID {
			return creditPackage, true
		}
	}
	return CreditPackage{}, false
}

func findMarketplaceComponent(componentID string) (MarketplaceComponent, bool) {
	for _, component := range marketplaceComponents {
		if component.ID == componentID {
			return component, true
		}
	}
	return MarketplaceComponent{}, false
}

// Package billing holds the plan catalog and read-only access to the
// subscription and profile data owned by the billing system.
package billing

// Plan is a commercial plan with its search limits.
type Plan struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	PriceMonthly     int      `json:"priceMonthly"`     // BRL cents
	SearchesPerMonth int64    `json:"searchesPerMonth"` // 0 = unlimited
	MaxResults       int      `json:"maxResults"`       // revealed bids per search, 0 = unlimited
	PreviewResults   int      `json:"previewResults"`   // revealed once the monthly quota is spent
	BillingPeriod    string   `json:"billingPeriod"`
	Features         []string `json:"features,omitempty"`
}

// Feature flags carried by plans.
const (
	FeatureExcelExport = "excel_export"
	FeatureAISummary   = "ai_summary"
	FeatureAlerts      = "saved_alerts"
	FeatureHistory     = "search_history"
)

const (
	PeriodMonthly = "monthly"
	PeriodAnnual  = "annual"
	PeriodTrial   = "trial"
)

var (
	PlanFreeTrial = Plan{
		ID:               "free_trial",
		Name:             "Teste gratuito",
		SearchesPerMonth: 3,
		MaxResults:       10,
		PreviewResults:   3,
		BillingPeriod:    PeriodTrial,
	}

	PlanConsultorAgil = Plan{
		ID:               "consultor_agil",
		Name:             "Consultor Ágil",
		PriceMonthly:     29700,
		SearchesPerMonth: 50,
		MaxResults:       200,
		PreviewResults:   10,
		BillingPeriod:    PeriodMonthly,
		Features:         []string{FeatureExcelExport},
	}

	PlanMaquina = Plan{
		ID:               "maquina",
		Name:             "Máquina",
		PriceMonthly:     59700,
		SearchesPerMonth: 300,
		MaxResults:       500,
		PreviewResults:   20,
		BillingPeriod:    PeriodMonthly,
		Features:         []string{FeatureExcelExport, FeatureAISummary, FeatureHistory},
	}

	PlanSalaGuerra = Plan{
		ID:               "sala_guerra",
		Name:             "Sala de Guerra",
		PriceMonthly:     149700,
		SearchesPerMonth: 1000,
		MaxResults:       0, // unlimited
		PreviewResults:   50,
		BillingPeriod:    PeriodMonthly,
		Features: []string{
			FeatureExcelExport,
			FeatureAISummary,
			FeatureHistory,
			FeatureAlerts,
		},
	}

	// AllPlans is the ordered list of available plans, lowest tier first.
	AllPlans = []Plan{PlanFreeTrial, PlanConsultorAgil, PlanMaquina, PlanSalaGuerra}
)

// PlanByID looks up a plan by its identifier. Returns nil if not found.
func PlanByID(id string) *Plan {
	for i := range AllPlans {
		if AllPlans[i].ID == id {
			p := AllPlans[i]
			return &p
		}
	}
	return nil
}

// IsUnlimited reports whether the plan has no monthly search limit.
func (p Plan) IsUnlimited() bool {
	return p.SearchesPerMonth == 0
}

// HasFeature reports whether the plan includes feature f.
func (p Plan) HasFeature(f string) bool {
	for _, have := range p.Features {
		if have == f {
			return true
		}
	}
	return false
}

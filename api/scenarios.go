/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built datasets that populate the store with patients,
	payment methods, visits and copays. Copays come from visits recorded
	elsewhere, so scenarios are the only way to get payable copays into a
	fresh database.

AVAILABLE SCENARIOS:

	single-visit:   One patient, one card, one $25 office copay
	multi-visit:    One patient, four visits across every copay status
	household:      Two patients with separate cards and copays

USAGE:

	copay-engine seed --scenario multi-visit

	or, in development:

	POST /api/v1/scenarios/load
	{"scenarioId": "multi-visit"}

NOTE:

	Loading is an upsert: reloading a scenario resets its copays to the
	seeded balances. Only use in development/demo environments.

SEE ALSO:
  - cmd/server/main.go: seed command
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/copay-engine/payments"
)

// ScenarioDTO describes one demo dataset.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, s payments.Seeder) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "single-visit",
			Name:        "Single Visit",
			Description: "One patient with a card on file and a $25 office visit copay",
		},
		load: loadSingleVisit,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "multi-visit",
			Name:        "Multiple Visits",
			Description: "Payable, partially paid, paid and written-off copays for one patient",
		},
		load: loadMultiVisit,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "household",
			Name:        "Household",
			Description: "Two patients, each with their own card and copays",
		},
		load: loadHousehold,
	},
}

// Scenarios lists the available datasets.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	return out
}

// LoadScenario seeds the dataset named id.
func LoadScenario(ctx context.Context, s payments.Seeder, id string) error {
	for _, sc := range scenarios {
		if sc.ID == id {
			if err := sc.load(ctx, s); err != nil {
				return fmt.Errorf("load scenario %s: %w", id, err)
			}
			return nil
		}
	}
	return payments.NewNotFound("scenario", id)
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/v1/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios())
}

// LoadScenarioHandler seeds a scenario into the live store.
// POST /api/v1/scenarios/load
func (h *Handler) LoadScenarioHandler(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := LoadScenario(r.Context(), h.Seeder, req.ScenarioID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenarioId": req.ScenarioID})
}

// =============================================================================
// LOADERS
// =============================================================================

type seedPatient struct {
	patient payments.Patient
	method  payments.PaymentMethod
}

func dollars(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 9, 0, 0, 0, time.UTC)
}

func savePatient(ctx context.Context, s payments.Seeder, p seedPatient) error {
	if err := s.SavePatient(ctx, p.patient); err != nil {
		return err
	}
	return s.SavePaymentMethod(ctx, p.method)
}

func saveVisitCopay(ctx context.Context, s payments.Seeder, v payments.Visit, copayID payments.CopayID, amount, remaining string, status payments.CopayStatus) error {
	if err := s.SaveVisit(ctx, v); err != nil {
		return err
	}
	c := payments.NewCopay(copayID, v, dollars(amount))
	c.RemainingBalance = dollars(remaining)
	c.Status = status
	return s.SaveCopay(ctx, c)
}

func card(id payments.PaymentMethodID, patient payments.PatientID, lastFour string) payments.PaymentMethod {
	return payments.PaymentMethod{
		ID:        id,
		PatientID: patient,
		Type:      payments.MethodCard,
		Provider:  "VISA",
		LastFour:  lastFour,
		Active:    true,
	}
}

func loadSingleVisit(ctx context.Context, s payments.Seeder) error {
	p := seedPatient{
		patient: payments.Patient{ID: "pat-1001", FirstName: "Maria", LastName: "Gonzalez", Email: "maria.gonzalez@example.com"},
		method:  card("pm-1001", "pat-1001", "4242"),
	}
	if err := savePatient(ctx, s, p); err != nil {
		return err
	}
	visit := payments.Visit{
		ID: "visit-1001", PatientID: "pat-1001", VisitDate: day(2025, time.March, 3),
		DoctorName: "Dr. Emily Chen", Department: "Family Medicine", VisitType: payments.VisitOffice,
	}
	return saveVisitCopay(ctx, s, visit, "copay-1001", "25.00", "25.00", payments.CopayPayable)
}

func loadMultiVisit(ctx context.Context, s payments.Seeder) error {
	p := seedPatient{
		patient: payments.Patient{ID: "pat-2001", FirstName: "James", LastName: "Okafor", Email: "james.okafor@example.com"},
		method:  card("pm-2001", "pat-2001", "1881"),
	}
	if err := savePatient(ctx, s, p); err != nil {
		return err
	}
	visits := []struct {
		visit     payments.Visit
		copay     payments.CopayID
		amount    string
		remaining string
		status    payments.CopayStatus
	}{
		{
			payments.Visit{ID: "visit-2001", PatientID: "pat-2001", VisitDate: day(2025, time.January, 14), DoctorName: "Dr. Priya Raman", Department: "Cardiology", VisitType: payments.VisitSpecialist},
			"copay-2001", "40.00", "40.00", payments.CopayPayable,
		},
		{
			payments.Visit{ID: "visit-2002", PatientID: "pat-2001", VisitDate: day(2025, time.February, 2), DoctorName: "Dr. Alan Brooks", Department: "Emergency", VisitType: payments.VisitEmergency},
			"copay-2002", "75.00", "30.00", payments.CopayPartiallyPaid,
		},
		{
			payments.Visit{ID: "visit-2003", PatientID: "pat-2001", VisitDate: day(2024, time.November, 20), DoctorName: "Dr. Priya Raman", Department: "Cardiology", VisitType: payments.VisitTelehealth},
			"copay-2003", "15.00", "0.00", payments.CopayPaid,
		},
		{
			payments.Visit{ID: "visit-2004", PatientID: "pat-2001", VisitDate: day(2024, time.August, 5), DoctorName: "Dr. Emily Chen", Department: "Family Medicine", VisitType: payments.VisitOffice},
			"copay-2004", "25.00", "25.00", payments.CopayWriteOff,
		},
	}
	for _, v := range visits {
		if err := saveVisitCopay(ctx, s, v.visit, v.copay, v.amount, v.remaining, v.status); err != nil {
			return err
		}
	}
	return nil
}

func loadHousehold(ctx context.Context, s payments.Seeder) error {
	members := []seedPatient{
		{
			patient: payments.Patient{ID: "pat-3001", FirstName: "Hannah", LastName: "Weiss", Email: "hannah.weiss@example.com"},
			method:  card("pm-3001", "pat-3001", "0005"),
		},
		{
			patient: payments.Patient{ID: "pat-3002", FirstName: "Noah", LastName: "Weiss", Email: "noah.weiss@example.com"},
			method:  card("pm-3002", "pat-3002", "3220"),
		},
	}
	for _, m := range members {
		if err := savePatient(ctx, s, m); err != nil {
			return err
		}
	}
	if err := saveVisitCopay(ctx, s, payments.Visit{
		ID: "visit-3001", PatientID: "pat-3001", VisitDate: day(2025, time.April, 8),
		DoctorName: "Dr. Sofia Marin", Department: "Pediatrics", VisitType: payments.VisitOffice,
	}, "copay-3001", "20.00", "20.00", payments.CopayPayable); err != nil {
		return err
	}
	return saveVisitCopay(ctx, s, payments.Visit{
		ID: "visit-3002", PatientID: "pat-3002", VisitDate: day(2025, time.April, 8),
		DoctorName: "Dr. Sofia Marin", Department: "Pediatrics", VisitType: payments.VisitOffice,
	}, "copay-3002", "20.00", "20.00", payments.CopayPayable)
}

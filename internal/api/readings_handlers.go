package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/response"
	"github.com/yourname/dailytally/internal/service"
)

const (
	msgSetupRequired = "Setup Required"
	msgOverloaded    = "Overloaded"
	msgMissingFields = "Name and count are required"
	msgAddFailed     = "Failed to add reading"
)

// GetReadings never fails at the HTTP level. When the day cannot be read it
// answers with a zeroed aggregate and an error hint for the client.
func GetReadings(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := app.Reader().Today(c.Request.Context())
		body := response.Readings{
			Total:      snap.Total,
			Date:       snap.Date,
			UserCounts: snap.UserCounts,
			Settings:   snap.Settings,
		}
		if err != nil {
			body.Error = msgSetupRequired
			if errors.Is(err, internal.ErrUnavailable) {
				body.Error = msgOverloaded
			}
			HandleError(c, app.Logger(), err, http.StatusOK, body)
			return
		}
		HandleSuccess(c, app.Logger(), body)
	}
}

func PostReading(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body service.SubmitRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleError(c, app.Logger(), err, http.StatusBadRequest, response.Error(msgMissingFields))
			return
		}
		name := strings.TrimSpace(body.Name)

		res, err := app.Submitter().Submit(c.Request.Context(), body)
		if err != nil {
			status, out := submitFailure(name, err)
			HandleError(c, app.Logger(), err, status, out)
			return
		}

		out := response.Submitted{Success: true, Adjusted: res.Adjusted}
		if res.Totals != nil {
			out.NewTotal = &res.Totals.Total
			out.NewUserCount = &res.Totals.UserCount
		}
		HandleSuccess(c, app.Logger(), out)
	}
}

func submitFailure(name string, err error) (int, interface{}) {
	var confirm *internal.ConfirmationRequiredError
	switch {
	case errors.As(err, &confirm):
		return http.StatusConflict, response.NeedsConfirmation(
			fmt.Sprintf("Dikkat: Toplamda %d okumanız var, %d çıkarmaya çalışıyorsunuz.", confirm.MaxSubtractable, confirm.Requested),
			confirm.MaxSubtractable,
		)
	case errors.Is(err, internal.ErrNoCredit):
		return http.StatusBadRequest, response.Rejected(
			fmt.Sprintf("Hata: %s ismine ait bugün okunmuş adet bulunamadı (veya bakiye 0). Çıkarma işlemi yapılamaz.", name),
		)
	case errors.Is(err, internal.ErrAmountTooLarge):
		return http.StatusBadRequest, response.Error(fmt.Sprintf("Tek seferde en fazla %d adet girilebilir.", internal.MaxAmount))
	case errors.Is(err, internal.ErrInvalidInput):
		return http.StatusBadRequest, response.Error(msgMissingFields)
	case errors.Is(err, internal.ErrUnavailable):
		return http.StatusTooManyRequests, response.Rejected("Sistem şu an yoğun, lütfen biraz sonra tekrar deneyin.")
	case errors.Is(err, internal.ErrUnauthenticated):
		return http.StatusInternalServerError, response.Error(msgSetupRequired)
	default:
		return http.StatusInternalServerError, response.Error(msgAddFailed)
	}
}

package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deconst/client/internal/coordinator"
	"github.com/deconst/client/internal/launcher"
	"github.com/gin-gonic/gin"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func responseHasErrorKey(w *httptest.ResponseRecorder) bool {
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		return false
	}
	key, ok := resp["error_key"].(string)
	return ok && key != ""
}

// For any error the coordinator returns, however deeply wrapped, the
// response carries the matching status and an error_key for the frontend.
func TestProperty_ErrorResponsesContainTranslationKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cases := []struct {
		err    error
		status int
	}{
		{coordinator.ErrNotFound, http.StatusNotFound},
		{coordinator.ErrCannotSubmit, http.StatusConflict},
		{launcher.ErrUnknownPreparer, http.StatusBadRequest},
		{coordinator.ErrInvalidRequest, http.StatusBadRequest},
		{coordinator.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("docker daemon unreachable"), http.StatusInternalServerError},
	}

	properties.Property("mapped errors keep status and error_key", prop.ForAll(
		func(which int, depth int, detail string) bool {
			tc := cases[which]
			err := tc.err
			for i := 0; i < depth; i++ {
				err = fmt.Errorf("%s: %w", detail, err)
			}

			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			respondError(c, err)

			return w.Code == tc.status && responseHasErrorKey(w)
		},
		gen.IntRange(0, len(cases)-1),
		gen.IntRange(0, 4),
		gen.AlphaString(),
	))

	properties.Property("malformed create bodies have error_key", prop.ForAll(
		func(body string) bool {
			h, _, _ := newAuditedHandler(t)
			c, w := jsonContext("POST", "/api/repositories", body)
			h.Create(c)
			return w.Code == http.StatusBadRequest && responseHasErrorKey(w)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

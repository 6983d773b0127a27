package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deconst/client/internal/model"
	"github.com/deconst/client/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gorm.io/gorm"
)

func countAuditLogs(db *gorm.DB) int64 {
	var count int64
	db.Model(&model.AuditLog{}).Count(&count)
	return count
}

func newAuditedHandler(t *testing.T) (*RepositoryHandler, *fakeCoordinator, *gorm.DB) {
	t.Helper()
	db := setupHandlerTestDB(t)
	history := service.NewHistoryService(db, nil)
	t.Cleanup(history.Close)
	coord := newFakeCoordinator()
	return NewRepositoryHandler(coord, history, db), coord, db
}

func jsonContext(method, path string, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	data, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, bytes.NewReader(data))
	c.Request.Header.Set("Content-Type", "application/json")
	return c, w
}

// For any successful mutation (launch, update, retry, submit, delete) the
// audit log table gains exactly one record naming the repository.
func TestProperty_MutationsProduceAuditLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	preparers := gen.OneConstOf("sphinx", "jekyll")

	properties.Property("launch produces audit log", prop.ForAll(
		func(suffix int, preparer string) bool {
			h, _, db := newAuditedHandler(t)
			before := countAuditLogs(db)

			c, w := jsonContext("POST", "/api/repositories", map[string]string{
				"display_name": fmt.Sprintf("docs-%d", suffix),
				"content_path": fmt.Sprintf("/src/docs-%d", suffix),
				"control_path": "/src/control",
				"preparer":     preparer,
			})
			h.Create(c)

			if w.Code != http.StatusCreated {
				return false
			}
			var entry model.AuditLog
			db.Order("id DESC").First(&entry)
			return countAuditLogs(db) == before+1 && entry.Action == "LAUNCH" && entry.TargetID == "1"
		},
		gen.IntRange(1, 10000),
		preparers,
	))

	properties.Property("update, retry, submit and delete produce audit logs", prop.ForAll(
		func(suffix int, preparer string) bool {
			h, coord, db := newAuditedHandler(t)
			repo, err := coord.Launch(model.RepositoryCreateRequest{
				ContentPath: fmt.Sprintf("/src/docs-%d", suffix),
				ControlPath: "/src/control",
				Preparer:    preparer,
			})
			if err != nil {
				return false
			}
			id := fmt.Sprint(repo.ID)
			params := gin.Params{{Key: "id", Value: id}}

			steps := []struct {
				method string
				body   interface{}
				call   func(*gin.Context)
				status int
			}{
				{"PUT", map[string]string{"display_name": fmt.Sprintf("renamed-%d", suffix)}, h.Update, http.StatusOK},
				{"POST", nil, h.Retry, http.StatusOK},
				{"POST", map[string]string{"kind": "content"}, h.Submit, http.StatusAccepted},
				{"DELETE", nil, h.Delete, http.StatusOK},
			}
			for i, step := range steps {
				c, w := jsonContext(step.method, "/api/repositories/"+id, step.body)
				c.Params = params
				step.call(c)
				if w.Code != step.status {
					return false
				}
				if countAuditLogs(db) != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10000),
		preparers,
	))

	properties.TestingRun(t)
}

func TestAuditListPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := setupHandlerTestDB(t)
	for i := 1; i <= 7; i++ {
		WriteAuditLog(db, "SUBMIT", "repository", fmt.Sprint(i%2+1), "", "127.0.0.1")
	}
	h := NewAuditHandler(db)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/audit?page=2&per_page=3", nil)
	h.List(c)

	var resp struct {
		Logs    []model.AuditLog `json:"logs"`
		Total   int64            `json:"total"`
		Page    int              `json:"page"`
		PerPage int              `json:"per_page"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 7 || resp.Page != 2 || resp.PerPage != 3 || len(resp.Logs) != 3 {
		t.Fatalf("unexpected page: %+v", resp)
	}
	if resp.Logs[0].ID != 4 {
		t.Errorf("expected newest-first ordering, got first id %d", resp.Logs[0].ID)
	}

	WriteAuditLog(nil, "SUBMIT", "repository", "1", "", "")
}

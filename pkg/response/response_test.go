package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var errWidgetMissing = errors.New("widget not found")

func init() {
	RegisterNotFound(errWidgetMissing)
}

func handle(method string, data interface{}, err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)
	Handle(c, data, err)
	return w
}

func TestHandle_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		method string
		err    error
		want   int
	}{
		{"get ok", http.MethodGet, nil, http.StatusOK},
		{"post created", http.MethodPost, nil, http.StatusCreated},
		{"gorm not found", http.MethodGet, gorm.ErrRecordNotFound, http.StatusNotFound},
		{"registered sentinel wrapped", http.MethodGet, fmt.Errorf("lookup: %w", errWidgetMissing), http.StatusNotFound},
		{"duplicate", http.MethodPost, gorm.ErrDuplicatedKey, http.StatusConflict},
		{"anything else", http.MethodGet, errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := handle(tc.method, map[string]int{"n": 1}, tc.err); w.Code != tc.want {
				t.Fatalf("status=%d want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandle_InternalErrorHidesDetail(t *testing.T) {
	w := handle(http.MethodGet, nil, errors.New("password=hunter2"))
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeInternalError {
		t.Fatalf("response %+v", resp)
	}
	if resp.Error.Message == "password=hunter2" {
		t.Fatalf("internal error text leaked")
	}
}

package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcast/internal/errors"
	"stockcast/internal/models"
	"stockcast/internal/observability"
)

type fakePredictor struct {
	got []models.PredictionRequest
	err error
}

func (f *fakePredictor) Predict(_ context.Context, req models.PredictionRequest) (*models.PredictionResult, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	return &models.PredictionResult{ProductID: req.ProductID, PredictionType: req.PredictionType, Prediction: 42}, nil
}

func (f *fakePredictor) Batch(ctx context.Context, reqs []models.PredictionRequest) *models.BatchResult {
	out := &models.BatchResult{}
	for i, r := range reqs {
		res, _ := f.Predict(ctx, r)
		out.Results = append(out.Results, models.BatchEntry{BatchIndex: i, ProductID: r.ProductID, Result: res})
	}
	out.Summary.Total = len(reqs)
	out.Summary.Successful = len(reqs)
	return out
}

type fakeLister struct {
	list []*models.ModelMetadata
	err  error
}

func (f fakeLister) List() ([]*models.ModelMetadata, error) { return f.list, f.err }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	return env
}

func TestHandlePredict(t *testing.T) {
	p := &fakePredictor{}
	h := NewAPIHandlers(p, fakeLister{}, "2.3.4", observability.Discard())

	body := `{"product_id":"P1","prediction_type":"sales","params":{"avg_daily_sales":4.5}}`
	w := httptest.NewRecorder()
	h.HandlePredict(w, httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)

	var res models.PredictionResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 42, res.Prediction)

	require.Len(t, p.got, 1)
	assert.Equal(t, 4.5, *p.got[0].Params.AvgDailySales)
	assert.Nil(t, p.got[0].Params.RecentAvg)
}

func TestHandlePredict_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  errors.ErrorCode
	}{
		{"malformed json", `{"product_id":`, nil, http.StatusBadRequest, errors.CodeBadRequest},
		{"validation", `{}`, errors.Validation("product_id is required"), http.StatusBadRequest, errors.CodeValidation},
		{"no model", `{}`, errors.ModelNotFound("sales"), http.StatusNotFound, errors.CodeModelNotFound},
		{"plain error", `{}`, stderrors.New("boom"), http.StatusInternalServerError, errors.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAPIHandlers(&fakePredictor{err: tt.err}, fakeLister{}, "2.3.4", observability.Discard())
			w := httptest.NewRecorder()
			h.HandlePredict(w, httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantCode, w.Code)
			env := decode(t, w)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, string(tt.wantErr), env.Error.Code)
		})
	}
}

func TestHandleBatch(t *testing.T) {
	h := NewAPIHandlers(&fakePredictor{}, fakeLister{}, "2.3.4", observability.Discard())

	body := `[{"product_id":"P1","prediction_type":"sales"},{"product_id":"P2","prediction_type":"restock"}]`
	w := httptest.NewRecorder()
	h.HandleBatch(w, httptest.NewRequest(http.MethodPost, "/api/predict/batch", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var out models.BatchResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	assert.Len(t, out.Results, 2)
	assert.Equal(t, 2, out.Summary.Total)

	w = httptest.NewRecorder()
	h.HandleBatch(w, httptest.NewRequest(http.MethodPost, "/api/predict/batch", strings.NewReader(`[]`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.HandleBatch(w, httptest.NewRequest(http.MethodPost, "/api/predict/batch", strings.NewReader(`{"product_id":"P1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleModelsAndHealth(t *testing.T) {
	lister := fakeLister{list: []*models.ModelMetadata{{ModelType: models.Sales, Version: "v1"}}}
	h := NewAPIHandlers(&fakePredictor{}, lister, "2.3.4", observability.Discard())

	w := httptest.NewRecorder()
	h.HandleModels(w, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.ModelMetadata
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "v1", list[0].Version)

	w = httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "2.3.4", health["version"])
	assert.Equal(t, []any{"sales"}, health["trained_models"])

	failing := NewAPIHandlers(&fakePredictor{}, fakeLister{err: errors.SchemaMismatch("bad schema")}, "2.3.4", observability.Discard())
	w = httptest.NewRecorder()
	failing.HandleModels(w, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

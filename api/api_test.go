package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blnkfinance/tally"
	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/database/memory"
	"github.com/blnkfinance/tally/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	err := json.NewDecoder(resp.Body).Decode(&s.Response)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func toJSON(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func setupRouter(t *testing.T, conf *config.Configuration) (*gin.Engine, *memory.Store) {
	t.Helper()
	if conf == nil {
		conf = config.DefaultsForTest()
	}
	config.MockConfig(conf)
	store := memory.NewStore()
	tl, err := tally.NewLocalTally(store)
	require.NoError(t, err)
	return NewAPI(tl).Router(), store
}

// call sends a JSON request and decodes the response into out.
func call(t *testing.T, router *gin.Engine, method, route string, payload interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		body = toJSON(t, payload)
	}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  body,
		Router:   router,
		Response: out,
		Method:   method,
		Route:    route,
	})
	require.NoError(t, err)
	return resp
}

func createTestAccount(t *testing.T, router *gin.Engine, currency, companyID, balanceType string) model.Account {
	t.Helper()
	var account model.Account
	resp := call(t, router, http.MethodPost, "/accounts", map[string]string{
		"name":         gofakeit.Company(),
		"currency":     currency,
		"company_id":   companyID,
		"balance_type": balanceType,
	}, &account)
	require.Equal(t, http.StatusCreated, resp.Code)
	return account
}

func putTestTransaction(store *memory.Store, id string, account model.Account, direction model.Direction, amount, date, description string) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	store.PutTransaction(model.Transaction{
		TransactionID:  id,
		AccountID:      account.AccountID,
		CompanyID:      account.CompanyID,
		Date:           d,
		Amount:         decimal.RequireFromString(amount),
		Currency:       account.Currency,
		Direction:      direction,
		Description:    description,
		TransferStatus: model.TransferStatusUnmatched,
		NeedsReview:    true,
	})
}

func TestHealthCheck(t *testing.T) {
	router, _ := setupRouter(t, nil)

	var response string
	resp := call(t, router, http.MethodGet, "/", nil, &response)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "server running...", response)
}

func TestCreateAccount(t *testing.T) {
	router, _ := setupRouter(t, nil)

	tests := []struct {
		name         string
		payload      map[string]string
		expectedCode int
	}{
		{
			name:         "Missing name",
			payload:      map[string]string{"currency": "CAD", "balance_type": "asset"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Lowercase currency",
			payload:      map[string]string{"name": "Chequing", "currency": "cad", "balance_type": "asset"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Unknown balance type",
			payload:      map[string]string{"name": "Chequing", "currency": "CAD", "balance_type": "equity"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Valid liability account",
			payload:      map[string]string{"name": "Business Card", "currency": "USD", "balance_type": "liability"},
			expectedCode: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var response map[string]interface{}
			resp := call(t, router, http.MethodPost, "/accounts", tt.payload, &response)
			assert.Equal(t, tt.expectedCode, resp.Code)
			if tt.expectedCode == http.StatusCreated {
				assert.Contains(t, response["account_id"], "acc_")
				assert.Equal(t, "liability", response["balance_type"])
			}
		})
	}
}

func TestGetAccount(t *testing.T) {
	router, _ := setupRouter(t, nil)
	account := createTestAccount(t, router, "CAD", "comp_1", "asset")

	var found model.Account
	resp := call(t, router, http.MethodGet, "/accounts/"+account.AccountID, nil, &found)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, account.AccountID, found.AccountID)
	assert.Equal(t, "comp_1", found.CompanyID)

	var missing map[string]interface{}
	resp = call(t, router, http.MethodGet, "/accounts/acc_missing", nil, &missing)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "NOT_FOUND", missing["code"])
}

func TestSecretKeyRequired(t *testing.T) {
	conf := config.DefaultsForTest()
	conf.Server.Secure = true
	conf.Server.SecretKey = "s3cret"
	router, _ := setupRouter(t, conf)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/accounts/acc_missing",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/accounts/acc_missing",
		Header:   map[string]string{"X-Tally-Key": "s3cret"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

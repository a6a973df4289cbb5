package console

import (
	"errors"
	"net/http"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/marketlink/connect-console/internal/db/models"
)

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// Companies
// ---------------------------------------------------------------------------

func TestListCompanies(t *testing.T) {
	env := newTestEnv(t, Deps{})
	now := time.Now()
	env.companies.ExpectQuery("SELECT .* FROM companies WHERE user_id = \\$1 ORDER BY name").
		WithArgs(testUser).
		WillReturnRows(sqlmock.NewRows(companyCols).
			AddRow(uuid.New().String(), testUser, "Acme", true, now, now).
			AddRow(uuid.New().String(), testUser, "Globex", false, now, now))

	w := env.do(http.MethodGet, "/api/v1/companies", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	companies, _ := decodeBody(t, w)["companies"].([]any)
	if len(companies) != 2 {
		t.Errorf("companies = %d, want 2", len(companies))
	}
	env.expectationsMet(t)
}

func TestListCompanies_DBError(t *testing.T) {
	env := newTestEnv(t, Deps{})
	env.companies.ExpectQuery("SELECT .* FROM companies").WillReturnError(errors.New("connection reset"))

	if w := env.do(http.MethodGet, "/api/v1/companies", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestCreateCompany(t *testing.T) {
	t.Run("inactive", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectBegin()
		env.companies.ExpectExec("INSERT INTO companies").
			WithArgs(sqlmock.AnyArg(), testUser, "Acme", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.companies.ExpectCommit()

		w := env.do(http.MethodPost, "/api/v1/companies", CompanyRequest{Name: "  Acme "})
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["name"] != "Acme" || body["user_id"] != testUser {
			t.Errorf("body = %v", body)
		}
		env.expectationsMet(t)
	})

	t.Run("active deactivates siblings", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectBegin()
		env.companies.ExpectExec("UPDATE companies SET is_active = false").
			WithArgs(testUser, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 2))
		env.companies.ExpectExec("INSERT INTO companies").
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.companies.ExpectCommit()

		w := env.do(http.MethodPost, "/api/v1/companies", CompanyRequest{Name: "Acme", IsActive: true})
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201", w.Code)
		}
		env.expectationsMet(t)
	})

	t.Run("missing name", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		if w := env.do(http.MethodPost, "/api/v1/companies", map[string]any{"name": "   "}); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestGetCompany(t *testing.T) {
	id := uuid.New()

	t.Run("found", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectQuery("SELECT .* FROM companies WHERE id = \\$1 AND user_id = \\$2").
			WithArgs(id, testUser).
			WillReturnRows(sqlmock.NewRows(companyCols).AddRow(id.String(), testUser, "Acme", true, time.Now(), time.Now()))

		w := env.do(http.MethodGet, "/api/v1/companies/"+id.String(), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if body := decodeBody(t, w); body["id"] != id.String() {
			t.Errorf("id = %v, want %s", body["id"], id)
		}
	})

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectQuery("SELECT .* FROM companies").WillReturnRows(sqlmock.NewRows(companyCols))

		if w := env.do(http.MethodGet, "/api/v1/companies/"+id.String(), nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		if w := env.do(http.MethodGet, "/api/v1/companies/not-a-uuid", nil); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestUpdateCompany(t *testing.T) {
	id := uuid.New()

	t.Run("rename and activate", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectExec("UPDATE companies SET name = \\$3").
			WithArgs(id, testUser, "Renamed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.companies.ExpectBegin()
		env.companies.ExpectExec("UPDATE companies SET is_active = false").
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.companies.ExpectExec("UPDATE companies SET is_active = true").
			WithArgs(id, testUser, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.companies.ExpectCommit()
		env.companies.ExpectQuery("SELECT .* FROM companies WHERE id = \\$1").
			WillReturnRows(sqlmock.NewRows(companyCols).AddRow(id.String(), testUser, "Renamed", true, time.Now(), time.Now()))

		w := env.do(http.MethodPut, "/api/v1/companies/"+id.String(), CompanyRequest{Name: "Renamed", IsActive: true})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		if body := decodeBody(t, w); body["name"] != "Renamed" || body["is_active"] != true {
			t.Errorf("body = %v", body)
		}
		env.expectationsMet(t)
	})

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectExec("UPDATE companies SET name").WillReturnResult(sqlmock.NewResult(0, 0))

		if w := env.do(http.MethodPut, "/api/v1/companies/"+id.String(), CompanyRequest{Name: "x"}); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestDeleteCompany_DisconnectsItsConnections(t *testing.T) {
	id := uuid.New()
	other := uuid.New().String()
	flow := &fakeFlow{conns: []*models.Connection{
		{ScopeKey: "user-1", UserID: testUser},
		{ScopeKey: "user-1:company=" + id.String(), UserID: testUser, CompanyID: strPtr(id.String())},
		{ScopeKey: "user-1:company=" + other, UserID: testUser, CompanyID: strPtr(other)},
	}}
	env := newTestEnv(t, Deps{Flow: flow})
	env.companies.ExpectExec("DELETE FROM companies WHERE id = \\$1 AND user_id = \\$2").
		WithArgs(id, testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := env.do(http.MethodDelete, "/api/v1/companies/"+id.String(), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(flow.removed) != 1 || flow.removed[0].CompanyID != id.String() {
		t.Errorf("removed = %v, want only the deleted company's connection", flow.removed)
	}
	env.expectationsMet(t)
}

func TestDeleteCompany_NotFoundLeavesConnections(t *testing.T) {
	flow := &fakeFlow{conns: []*models.Connection{{ScopeKey: "user-1", UserID: testUser}}}
	env := newTestEnv(t, Deps{Flow: flow})
	env.companies.ExpectExec("DELETE FROM companies").WillReturnResult(sqlmock.NewResult(0, 0))

	if w := env.do(http.MethodDelete, "/api/v1/companies/"+uuid.New().String(), nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if len(flow.removed) != 0 {
		t.Errorf("removed = %v, want none", flow.removed)
	}
}

func TestDeleteCompany_WithoutMarketplace(t *testing.T) {
	env := newTestEnv(t, Deps{})
	env.companies.ExpectExec("DELETE FROM companies").WillReturnResult(sqlmock.NewResult(0, 1))

	if w := env.do(http.MethodDelete, "/api/v1/companies/"+uuid.New().String(), nil); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestActivateCompany(t *testing.T) {
	id := uuid.New()

	t.Run("ok", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectBegin()
		env.companies.ExpectExec("UPDATE companies SET is_active = false").WillReturnResult(sqlmock.NewResult(0, 1))
		env.companies.ExpectExec("UPDATE companies SET is_active = true").WillReturnResult(sqlmock.NewResult(0, 1))
		env.companies.ExpectCommit()

		w := env.do(http.MethodPost, "/api/v1/companies/"+id.String()+"/activate", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if body := decodeBody(t, w); body["is_active"] != true {
			t.Errorf("body = %v", body)
		}
		env.expectationsMet(t)
	})

	t.Run("not found rolls back", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectBegin()
		env.companies.ExpectExec("UPDATE companies SET is_active = false").WillReturnResult(sqlmock.NewResult(0, 1))
		env.companies.ExpectExec("UPDATE companies SET is_active = true").WillReturnResult(sqlmock.NewResult(0, 0))
		env.companies.ExpectRollback()

		if w := env.do(http.MethodPost, "/api/v1/companies/"+id.String()+"/activate", nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
		env.expectationsMet(t)
	})
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

func TestListStores(t *testing.T) {
	companyID := uuid.New()
	now := time.Now()

	t.Run("filtered by company", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.stores.ExpectQuery("SELECT .* FROM stores WHERE user_id = \\$1 AND company_id = \\$2").
			WithArgs(testUser, companyID).
			WillReturnRows(sqlmock.NewRows(storeCols).AddRow(uuid.New().String(), testUser, companyID.String(), "Main", true, now, now))

		w := env.do(http.MethodGet, "/api/v1/stores?company_id="+companyID.String(), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		stores, _ := decodeBody(t, w)["stores"].([]any)
		if len(stores) != 1 {
			t.Errorf("stores = %d, want 1", len(stores))
		}
		env.expectationsMet(t)
	})

	t.Run("invalid company filter", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		if w := env.do(http.MethodGet, "/api/v1/stores?company_id=bad", nil); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestCreateStore(t *testing.T) {
	companyID := uuid.New()

	t.Run("under own company", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectQuery("SELECT .* FROM companies WHERE id = \\$1 AND user_id = \\$2").
			WithArgs(companyID, testUser).
			WillReturnRows(sqlmock.NewRows(companyCols).AddRow(companyID.String(), testUser, "Acme", true, time.Now(), time.Now()))
		env.stores.ExpectBegin()
		env.stores.ExpectExec("INSERT INTO stores").
			WithArgs(sqlmock.AnyArg(), testUser, companyID, "Main", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.stores.ExpectCommit()

		w := env.do(http.MethodPost, "/api/v1/stores", StoreRequest{CompanyID: companyID.String(), Name: "Main"})
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
		}
		if body := decodeBody(t, w); body["company_id"] != companyID.String() {
			t.Errorf("company_id = %v, want %s", body["company_id"], companyID)
		}
		env.expectationsMet(t)
	})

	t.Run("foreign company", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.companies.ExpectQuery("SELECT .* FROM companies").WillReturnRows(sqlmock.NewRows(companyCols))

		w := env.do(http.MethodPost, "/api/v1/stores", StoreRequest{CompanyID: companyID.String(), Name: "Main"})
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
		env.expectationsMet(t)
	})

	t.Run("invalid company id", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		w := env.do(http.MethodPost, "/api/v1/stores", StoreRequest{CompanyID: "nope", Name: "Main"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestGetStore_NotFound(t *testing.T) {
	env := newTestEnv(t, Deps{})
	env.stores.ExpectQuery("SELECT .* FROM stores WHERE id = \\$1 AND user_id = \\$2").
		WillReturnRows(sqlmock.NewRows(storeCols))

	if w := env.do(http.MethodGet, "/api/v1/stores/"+uuid.New().String(), nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUpdateStore_Rename(t *testing.T) {
	id, companyID := uuid.New(), uuid.New()
	env := newTestEnv(t, Deps{})
	env.stores.ExpectExec("UPDATE stores SET name = \\$3").
		WithArgs(id, testUser, "Outlet", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.stores.ExpectQuery("SELECT .* FROM stores WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(storeCols).AddRow(id.String(), testUser, companyID.String(), "Outlet", false, time.Now(), time.Now()))

	w := env.do(http.MethodPut, "/api/v1/stores/"+id.String(), StoreRequest{Name: "Outlet"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["name"] != "Outlet" {
		t.Errorf("name = %v, want Outlet", body["name"])
	}
	env.expectationsMet(t)
}

func TestDeleteStore_DisconnectsItsConnection(t *testing.T) {
	id, companyID := uuid.New(), uuid.New()
	flow := &fakeFlow{conns: []*models.Connection{
		{ScopeKey: "user-1:company=" + companyID.String(), UserID: testUser, CompanyID: strPtr(companyID.String())},
		{
			ScopeKey:  "user-1:company=" + companyID.String() + ":store=" + id.String(),
			UserID:    testUser,
			CompanyID: strPtr(companyID.String()),
			StoreID:   strPtr(id.String()),
		},
	}}
	env := newTestEnv(t, Deps{Flow: flow})
	env.stores.ExpectExec("DELETE FROM stores WHERE id = \\$1 AND user_id = \\$2").
		WithArgs(id, testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := env.do(http.MethodDelete, "/api/v1/stores/"+id.String(), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	want := models.Scope{UserID: testUser, CompanyID: companyID.String(), StoreID: id.String()}
	if len(flow.removed) != 1 || flow.removed[0] != want {
		t.Errorf("removed = %v, want [%v]", flow.removed, want)
	}
	env.expectationsMet(t)
}

func TestActivateStore(t *testing.T) {
	id, companyID := uuid.New(), uuid.New()

	t.Run("ok", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.stores.ExpectBegin()
		env.stores.ExpectQuery("SELECT company_id FROM stores WHERE id = \\$1 AND user_id = \\$2 FOR UPDATE").
			WithArgs(id, testUser).
			WillReturnRows(sqlmock.NewRows([]string{"company_id"}).AddRow(companyID.String()))
		env.stores.ExpectExec("UPDATE stores SET is_active = false").
			WithArgs(testUser, companyID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.stores.ExpectExec("UPDATE stores SET is_active = true").
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.stores.ExpectCommit()

		if w := env.do(http.MethodPost, "/api/v1/stores/"+id.String()+"/activate", nil); w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		env.expectationsMet(t)
	})

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(t, Deps{})
		env.stores.ExpectBegin()
		env.stores.ExpectQuery("SELECT company_id FROM stores").WillReturnRows(sqlmock.NewRows([]string{"company_id"}))
		env.stores.ExpectRollback()

		if w := env.do(http.MethodPost, "/api/v1/stores/"+id.String()+"/activate", nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
		env.expectationsMet(t)
	})
}

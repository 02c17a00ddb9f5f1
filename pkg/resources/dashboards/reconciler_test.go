/*
Copyright 2025 The Trainforge Provisioner contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dashboards

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	grafanasdk "github.com/kubermatic/grafanasdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trainforge/provisioner/pkg/reconciling"
)

// fakeGrafana serves just enough of the Grafana HTTP API for the reconciler.
type fakeGrafana struct {
	mu sync.Mutex

	datasources map[string]grafanasdk.Datasource
	folders     map[string]grafanasdk.Folder
	dashboards  map[string]grafanasdk.Board
	alertRules  map[string]alertRule

	provenanceHeaders []string
	nextID            uint
}

func newFakeGrafana() *fakeGrafana {
	return &fakeGrafana{
		datasources: map[string]grafanasdk.Datasource{},
		folders:     map[string]grafanasdk.Folder{},
		dashboards:  map[string]grafanasdk.Board{},
		alertRules:  map[string]alertRule{},
		nextID:      1,
	}
}

func (f *fakeGrafana) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/datasources/uid/{uid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		ds, ok := f.datasources[r.PathValue("uid")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "data source not found"})
			return
		}
		writeJSON(w, http.StatusOK, ds)
	})

	mux.HandleFunc("POST /api/datasources", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var ds grafanasdk.Datasource
		if err := json.NewDecoder(r.Body).Decode(&ds); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		ds.ID = f.nextID
		f.nextID++
		f.datasources[ds.UID] = ds
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": ds.ID, "message": "Datasource added"})
	})

	mux.HandleFunc("PUT /api/datasources/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var ds grafanasdk.Datasource
		if err := json.NewDecoder(r.Body).Decode(&ds); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		f.datasources[ds.UID] = ds
		writeJSON(w, http.StatusOK, map[string]string{"message": "Datasource updated"})
	})

	mux.HandleFunc("DELETE /api/datasources/uid/{uid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		uid := r.PathValue("uid")
		if _, ok := f.datasources[uid]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "data source not found"})
			return
		}
		delete(f.datasources, uid)
		writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
	})

	mux.HandleFunc("GET /api/folders/{uid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		folder, ok := f.folders[r.PathValue("uid")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "folder not found"})
			return
		}
		writeJSON(w, http.StatusOK, folder)
	})

	mux.HandleFunc("POST /api/folders", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var folder grafanasdk.Folder
		if err := json.NewDecoder(r.Body).Decode(&folder); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		folder.ID = int(f.nextID)
		f.nextID++
		f.folders[folder.UID] = folder
		writeJSON(w, http.StatusOK, folder)
	})

	mux.HandleFunc("POST /api/dashboards/db", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var payload struct {
			Dashboard grafanasdk.Board `json:"dashboard"`
			Overwrite bool             `json:"overwrite"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		if _, ok := f.dashboards[payload.Dashboard.UID]; ok && !payload.Overwrite {
			writeJSON(w, http.StatusPreconditionFailed, map[string]string{"message": "dashboard already exists"})
			return
		}
		f.dashboards[payload.Dashboard.UID] = payload.Dashboard
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "dashboard set"})
	})

	mux.HandleFunc("DELETE /api/dashboards/uid/{uid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		uid := r.PathValue("uid")
		if _, ok := f.dashboards[uid]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "dashboard not found"})
			return
		}
		delete(f.dashboards, uid)
		writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
	})

	mux.HandleFunc("POST /api/v1/provisioning/alert-rules", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.provenanceHeaders = append(f.provenanceHeaders, r.Header.Get("X-Disable-Provenance"))
		var rule alertRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		if _, ok := f.alertRules[rule.UID]; ok {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "rule already exists"})
			return
		}
		f.alertRules[rule.UID] = rule
		writeJSON(w, http.StatusCreated, rule)
	})

	mux.HandleFunc("PUT /api/v1/provisioning/alert-rules/{uid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var rule alertRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		f.alertRules[r.PathValue("uid")] = rule
		writeJSON(w, http.StatusOK, rule)
	})

	mux.HandleFunc("DELETE /api/v1/provisioning/alert-rules/{uid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		uid := r.PathValue("uid")
		if _, ok := f.alertRules[uid]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "rule not found"})
			return
		}
		delete(f.alertRules, uid)
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeGrafana) {
	fake := newFakeGrafana()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	reconciler := New(zap.NewNop().Sugar())
	reconciler.httpClient = ts.Client()
	reconciler.endpointOverride = ts.URL

	return reconciler, fake
}

func testRequest(requestType reconciling.RequestType) *reconciling.Request {
	return &reconciling.Request{
		RequestType:       requestType,
		LogicalResourceID: "ObservabilityDashboards",
		ResourceProperties: map[string]interface{}{
			"WorkspaceId":           "g-abc123",
			"Region":                "us-west-2",
			"PrometheusWorkspaceId": "ws-11111111",
			"GrafanaToken":          "glsa_secret",
		},
	}
}

func TestCreateProvisionsWorkspaceContent(t *testing.T) {
	reconciler, fake := newTestReconciler(t)

	result, err := reconciler.Create(context.Background(), testRequest(reconciling.RequestTypeCreate))
	require.NoError(t, err)

	assert.Equal(t, "g-abc123/dashboards", result.PhysicalResourceID)
	assert.Len(t, result.Data["DashboardUids"], 5)

	assert.Contains(t, fake.datasources, "cloudwatch")
	assert.Contains(t, fake.datasources, "prometheus")
	assert.Equal(t, "https://aps-workspaces.us-west-2.amazonaws.com/workspaces/ws-11111111/api", fake.datasources["prometheus"].URL)
	assert.Contains(t, fake.folders, alertFolderUID)
	assert.Len(t, fake.dashboards, 5)
	assert.Contains(t, fake.dashboards, "aws-sm-hp-observability-cluster-v1_0")
	assert.Len(t, fake.alertRules, 3)
	for _, header := range fake.provenanceHeaders {
		assert.Equal(t, "true", header)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	reconciler, fake := newTestReconciler(t)

	_, err := reconciler.Create(context.Background(), testRequest(reconciling.RequestTypeCreate))
	require.NoError(t, err)
	result, err := reconciler.Create(context.Background(), testRequest(reconciling.RequestTypeCreate))
	require.NoError(t, err)

	assert.Equal(t, "g-abc123/dashboards", result.PhysicalResourceID)
	assert.Len(t, fake.datasources, 2)
	assert.Len(t, fake.dashboards, 5)
	assert.Len(t, fake.alertRules, 3)
}

func TestCreateFailsValidationWithoutToken(t *testing.T) {
	reconciler, fake := newTestReconciler(t)

	req := testRequest(reconciling.RequestTypeCreate)
	delete(req.ResourceProperties, "GrafanaToken")

	_, err := reconciler.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, reconciling.IsValidationError(err))
	assert.Empty(t, fake.datasources)
}

func TestUpdateKeepsPhysicalIDForSameWorkspace(t *testing.T) {
	reconciler, _ := newTestReconciler(t)

	req := testRequest(reconciling.RequestTypeUpdate)
	req.PhysicalResourceID = "g-abc123/dashboards"
	req.OldResourceProperties = map[string]interface{}{
		"WorkspaceId":           "g-abc123",
		"Region":                "us-west-2",
		"PrometheusWorkspaceId": "ws-00000000",
		"GrafanaToken":          "glsa_old",
	}

	result, err := reconciler.Update(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "g-abc123/dashboards", result.PhysicalResourceID)
}

func TestUpdateReturnsNewPhysicalIDForNewWorkspace(t *testing.T) {
	reconciler, _ := newTestReconciler(t)

	req := testRequest(reconciling.RequestTypeUpdate)
	req.PhysicalResourceID = "g-old456/dashboards"
	req.OldResourceProperties = map[string]interface{}{
		"WorkspaceId":           "g-old456",
		"Region":                "us-west-2",
		"PrometheusWorkspaceId": "ws-11111111",
		"GrafanaToken":          "glsa_secret",
	}

	result, err := reconciler.Update(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "g-abc123/dashboards", result.PhysicalResourceID)
}

func TestDeleteRemovesWorkspaceContent(t *testing.T) {
	reconciler, fake := newTestReconciler(t)

	_, err := reconciler.Create(context.Background(), testRequest(reconciling.RequestTypeCreate))
	require.NoError(t, err)

	req := testRequest(reconciling.RequestTypeDelete)
	req.PhysicalResourceID = "g-abc123/dashboards"

	result, err := reconciler.Delete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "g-abc123/dashboards", result.PhysicalResourceID)
	assert.Empty(t, fake.dashboards)
	assert.Empty(t, fake.datasources)
	assert.Empty(t, fake.alertRules)
}

func TestDeleteToleratesAbsentContent(t *testing.T) {
	reconciler, _ := newTestReconciler(t)

	req := testRequest(reconciling.RequestTypeDelete)
	req.PhysicalResourceID = "g-abc123/dashboards"

	result, err := reconciler.Delete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "g-abc123/dashboards", result.PhysicalResourceID)
}

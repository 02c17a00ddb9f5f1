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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// The grafanasdk client has no alert-rule provisioning endpoints, so rules are
// managed through the provisioning HTTP API directly. X-Disable-Provenance
// keeps the rules editable in the workspace UI.
const alertRulesPath = "/api/v1/provisioning/alert-rules"

type alertRule struct {
	UID          string            `json:"uid"`
	Title        string            `json:"title"`
	FolderUID    string            `json:"folderUID"`
	RuleGroup    string            `json:"ruleGroup"`
	OrgID        int               `json:"orgID"`
	Condition    string            `json:"condition"`
	NoDataState  string            `json:"noDataState"`
	ExecErrState string            `json:"execErrState"`
	For          string            `json:"for"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Data         []alertQuery      `json:"data"`
}

type alertQuery struct {
	RefID             string                 `json:"refId"`
	DatasourceUID     string                 `json:"datasourceUid"`
	RelativeTimeRange relativeTimeRange      `json:"relativeTimeRange"`
	Model             map[string]interface{} `json:"model"`
}

type relativeTimeRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func prometheusAlertRule(uid, title, expr, pendingFor, summary string) alertRule {
	return alertRule{
		UID:          uid,
		Title:        title,
		FolderUID:    alertFolderUID,
		RuleGroup:    "hyperpod",
		OrgID:        1,
		Condition:    "A",
		NoDataState:  "OK",
		ExecErrState: "Error",
		For:          pendingFor,
		Annotations:  map[string]string{"summary": summary},
		Data: []alertQuery{
			{
				RefID:             "A",
				DatasourceUID:     prometheusDatasourceUID,
				RelativeTimeRange: relativeTimeRange{From: 600, To: 0},
				Model: map[string]interface{}{
					"expr":         expr,
					"instant":      true,
					"editorMode":   "code",
					"legendFormat": "__auto",
					"refId":        "A",
				},
			},
		},
	}
}

func defaultAlertRules() []alertRule {
	return []alertRule{
		prometheusAlertRule(
			"aws-sm-hp-alert-gpu-temp",
			"GPU Temperature High",
			"DCGM_FI_DEV_GPU_TEMP > 85",
			"5m",
			"A GPU has been running above 85C for more than 5 minutes.",
		),
		prometheusAlertRule(
			"aws-sm-hp-alert-efa-errors",
			"EFA RDMA Read Response Errors",
			`rate(node_net_ethtool{device=~"efa.*",type="rdma_read_resp_err"}[5m]) > 0`,
			"5m",
			"An EFA device is reporting RDMA read response errors.",
		),
		prometheusAlertRule(
			"aws-sm-hp-alert-disk-full",
			"Root Filesystem Almost Full",
			`node_filesystem_avail_bytes{mountpoint="/"} / node_filesystem_size_bytes{mountpoint="/"} < 0.05`,
			"10m",
			"A node has less than 5% free space on its root filesystem.",
		),
	}
}

func (r *Reconciler) ensureAlertRules(ctx context.Context, spec *Spec) error {
	for _, rule := range defaultAlertRules() {
		if err := r.ensureAlertRule(ctx, spec, rule); err != nil {
			return fmt.Errorf("failed to ensure alert rule %q: %w", rule.Title, err)
		}
	}

	return nil
}

func (r *Reconciler) ensureAlertRule(ctx context.Context, spec *Spec, rule alertRule) error {
	status, err := r.sendAlertRule(ctx, spec, http.MethodPost, alertRulesPath, rule)
	if err != nil {
		return err
	}
	if status < 300 {
		return nil
	}
	if status != http.StatusConflict && status != http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d", status)
	}

	// The rule already exists; replace it in place under its stable UID.
	status, err = r.sendAlertRule(ctx, spec, http.MethodPut, alertRulesPath+"/"+rule.UID, rule)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("unexpected status %d on update", status)
	}

	return nil
}

func (r *Reconciler) deleteAlertRule(ctx context.Context, spec *Spec, uid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.endpoint(spec)+alertRulesPath+"/"+uid, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+spec.GrafanaToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule %s: %w", uid, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete alert rule %s: unexpected status %d", uid, resp.StatusCode)
	}

	return nil
}

func (r *Reconciler) sendAlertRule(ctx context.Context, spec *Spec, method, path string, rule alertRule) (int, error) {
	body, err := json.Marshal(rule)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal alert rule: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.endpoint(spec)+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+spec.GrafanaToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Disable-Provenance", "true")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return resp.StatusCode, nil
}

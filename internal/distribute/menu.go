// SPDX-License-Identifier: MIT

package distribute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMenuSource is returned when a provider has no stored menu and no
// metadata fetcher is configured.
var ErrNoMenuSource = errors.New("distribute: no data menu source")

// MenuItem is one entry of a provider's sharing menu.
type MenuItem struct {
	DataSourceID string `json:"dataSourceId"`
	DataItemID   string `json:"dataItemId"`
	Selected     bool   `json:"selected"`
}

// SetDataMenu stores the provider's menu and immediately shares every
// selected item through the pull pipeline.
func (e *Engine) SetDataMenu(ctx context.Context, serviceProviderID string, menu []MenuItem) (ShareReport, error) {
	raw, err := json.Marshal(menu)
	if err != nil {
		return ShareReport{}, fmt.Errorf("distribute: encode menu: %w", err)
	}
	if err := e.providers.SetDataMenu(ctx, serviceProviderID, raw); err != nil {
		return ShareReport{}, err
	}

	if e.fetchers == nil {
		return ShareReport{}, nil
	}

	var items []ShareItem
	for _, m := range menu {
		if !m.Selected {
			continue
		}
		items = append(items, ShareItem{
			DataSourceID: m.DataSourceID,
			DataItemID:   m.DataItemID,
			Fetch:        e.fetchers(m.DataSourceID, m.DataItemID),
		})
	}
	if len(items) == 0 {
		return ShareReport{}, nil
	}
	return e.Share(ctx, serviceProviderID, items)
}

// DataMenu returns the provider's stored menu, or fetches the provider's
// own item catalogue when nothing is stored yet.
func (e *Engine) DataMenu(ctx context.Context, serviceProviderID string) ([]MenuItem, error) {
	rec, err := e.providers.Get(ctx, serviceProviderID)
	if err != nil {
		return nil, err
	}

	if len(rec.DataMenu) > 0 {
		var menu []MenuItem
		if err := json.Unmarshal(rec.DataMenu, &menu); err != nil {
			return nil, fmt.Errorf("distribute: decode stored menu: %w", err)
		}
		return menu, nil
	}

	if e.info == nil {
		return nil, ErrNoMenuSource
	}
	raw, err := e.info(ctx, serviceProviderID)
	if err != nil {
		return nil, err
	}

	var menu []MenuItem
	if err := json.Unmarshal(raw, &menu); err != nil {
		return nil, fmt.Errorf("distribute: decode provider menu: %w", err)
	}
	return menu, nil
}

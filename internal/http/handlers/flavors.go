package handlers

import "net/http"

// Flavors lists the flavors with their selectable options so a UI can render its controls.
func (a *App) Flavors(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"flavors": a.Generator.Catalog()})
}

package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/ledgerd.json.
const wellKnownManifest = `{
  "name": "ledgerd",
  "description": "Usage quota ledger for transcription seconds",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "usage": "/api/v1/usage",
    "bookings": "/api/v1/usage/bookings",
    "topups": "/api/v1/topups"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static ledgerd well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}

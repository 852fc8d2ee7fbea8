package dispatch

import (
	"strings"

	"github.com/stellarlinkco/intentclaw/internal/intent"
	"github.com/stellarlinkco/intentclaw/internal/params"
)

// App is the closed set of application handlers.
type App string

const (
	AppAccounting  App = "accounting"
	AppTranslation App = "translation"
	AppCounter     App = "counter"
	AppNotes       App = "notes"
)

// Apps lists every application in routing order.
var Apps = []App{AppAccounting, AppTranslation, AppCounter, AppNotes}

func (a App) Valid() bool {
	switch a {
	case AppAccounting, AppTranslation, AppCounter, AppNotes:
		return true
	}
	return false
}

// SchemaKey names the parameter schema the app's handler consumes.
func (a App) SchemaKey() string {
	switch a {
	case AppAccounting:
		return params.SchemaTransaction
	case AppTranslation:
		return params.SchemaTranslation
	case AppCounter:
		return params.SchemaCounter
	case AppNotes:
		return params.SchemaNote
	}
	return ""
}

var exactRoutes = map[intent.Label]App{
	intent.AccountingBookTransaction: AppAccounting,
	intent.Translation:               AppTranslation,
	intent.Counter:                   AppCounter,
	intent.Notes:                     AppNotes,
}

var familyRoutes = []struct {
	prefix string
	app    App
}{
	{"accounting", AppAccounting},
	{"translat", AppTranslation},
	{"counter", AppCounter},
	{"note", AppNotes},
}

// AppFor maps a label to its application: exact vocabulary first, then
// label family prefix. unknown_intent never routes.
func AppFor(label intent.Label) (App, bool) {
	if app, ok := exactRoutes[label]; ok {
		return app, true
	}
	if label == intent.Unknown {
		return "", false
	}
	s := string(label)
	for _, r := range familyRoutes {
		if strings.HasPrefix(s, r.prefix) {
			return r.app, true
		}
	}
	return "", false
}

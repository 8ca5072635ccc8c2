package httpapi

import "embed"

//go:embed assets/openapi.yaml assets/openapi.json assets/apidocs/index.html
var assetsFS embed.FS

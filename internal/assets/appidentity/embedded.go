package appidentityassets

import _ "embed"

// YAML mirrors `.fulmen/app.yaml` so a standalone binary still knows its
// name, env prefix and config name. Keep both files identical.
//
//go:embed app.yaml
var YAML []byte

// Package all links every built-in node handler into the binary. Import it
// for its side effects.
package all

import (
	_ "github.com/gxo-labs/runway/modules/apigateway"
	_ "github.com/gxo-labs/runway/modules/condition"
	_ "github.com/gxo-labs/runway/modules/custom"
	_ "github.com/gxo-labs/runway/modules/dbquery"
	_ "github.com/gxo-labs/runway/modules/email"
	_ "github.com/gxo-labs/runway/modules/fileops"
	_ "github.com/gxo-labs/runway/modules/httprequest"
	_ "github.com/gxo-labs/runway/modules/loop"
	_ "github.com/gxo-labs/runway/modules/transform"
)

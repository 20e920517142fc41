package scripthost

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// TransformTS lowers TypeScript source to plain ECMAScript. The
// streaming evaluation path applies it to sources whose description
// carries a ".ts" suffix; string-literal evaluation is always plain
// script.
func TransformTS(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader: api.LoaderTS,
		Target: api.ESNext,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("transforming typescript: %s", strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}

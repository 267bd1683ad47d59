//go:build !bedrock

package oracle

import (
	"fmt"
	"log/slog"

	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
)

// NewBedrockNavigator is only available when built with the bedrock tag.
func NewBedrockNavigator(_ config.OracleConfig, _ *slog.Logger) (domain.Navigator, error) {
	return nil, fmt.Errorf("bedrock support requires building with -tags bedrock")
}

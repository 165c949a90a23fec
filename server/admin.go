package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/redis"
)

type clearCachesOutput struct {
	Cleared map[string]int64 `json:"cleared"`
	Total   int64            `json:"total"`
	Failed  []string         `json:"failed,omitempty"`
}

// clearCaches deletes every key under each invalidatable namespace and reports
// per-namespace counts. A namespace that fails to clear is reported and does
// not stop the others.
func clearCaches(caches map[string]*redis.Cache) gin.HandlerFunc {
	prefixes := make([]string, 0, len(caches))
	for prefix := range caches {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	return func(c *gin.Context) {
		out := clearCachesOutput{Cleared: make(map[string]int64, len(prefixes))}

		for _, prefix := range prefixes {
			deleted, err := caches[prefix].DeleteByPrefix(c, "")
			if err != nil {
				logger.For(c).Errorf("failed to clear cache prefix %s: %s", prefix, err)
				out.Failed = append(out.Failed, prefix)
				continue
			}
			out.Cleared[prefix] = deleted
			out.Total += deleted
		}

		logger.For(c).Infof("cleared %d cached entries across %d prefixes", out.Total, len(out.Cleared))
		c.JSON(http.StatusOK, out)
	}
}

package server

import (
	"net/http"

	"trip-agent/agent_go/pkg/store"

	"github.com/gin-gonic/gin"
)

// ScenarioRoutes builds the read-only scenario API as a gin engine,
// mounted under /api/scenarios by the main router.
func ScenarioRoutes(st store.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/scenarios")
	{
		api.GET("/:scenario_id", getScenario(st))
		api.GET("/:scenario_id/latest", getLatestVersion(st))
		api.GET("/:scenario_id/versions", listVersions(st))
		api.GET("/:scenario_id/rollup", getRollup(st))
	}

	return router
}

// getScenario returns the scenario header with its current version pointer.
func getScenario(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		scenario, err := st.GetScenario(c.Request.Context(), c.Param("scenario_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if scenario == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "scenario not found"})
			return
		}
		c.JSON(http.StatusOK, scenario)
	}
}

// getLatestVersion returns the newest snapshot with its full item set.
func getLatestVersion(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		version, err := st.GetLatest(c.Request.Context(), c.Param("scenario_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if version == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no versions for scenario"})
			return
		}
		c.JSON(http.StatusOK, version)
	}
}

// listVersions returns all snapshots, oldest first.
func listVersions(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		versions, err := st.ListVersions(c.Request.Context(), c.Param("scenario_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": versions, "total": len(versions)})
	}
}

// getRollup returns the cached category totals.
func getRollup(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		totals, err := st.Rollup(c.Request.Context(), c.Param("scenario_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"scenario_id": c.Param("scenario_id"), "totals": totals})
	}
}

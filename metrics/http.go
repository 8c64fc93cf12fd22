package metrics

import "github.com/VictoriaMetrics/metrics"

// used http statuses are limited, so counters are created up front instead of getOrCreate per status
var (
	statusOK                  = metrics.NewCounter(`http_requests_total{status="200"}`)
	statusBadRequest          = metrics.NewCounter(`http_requests_total{status="400"}`)
	statusUnauthorized        = metrics.NewCounter(`http_requests_total{status="401"}`)
	statusForbidden           = metrics.NewCounter(`http_requests_total{status="403"}`)
	statusNotFound            = metrics.NewCounter(`http_requests_total{status="404"}`)
	statusInternalServerError = metrics.NewCounter(`http_requests_total{status="500"}`)
)

func StatusOKInc()                  { statusOK.Inc() }
func StatusBadRequestInc()          { statusBadRequest.Inc() }
func StatusUnauthorizedInc()        { statusUnauthorized.Inc() }
func StatusForbiddenInc()           { statusForbidden.Inc() }
func StatusNotFoundInc()            { statusNotFound.Inc() }
func StatusInternalServerErrorInc() { statusInternalServerError.Inc() }

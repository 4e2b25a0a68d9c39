package app

import (
	"github.com/CliForge/envforge/pkg/batch"
	"github.com/CliForge/envforge/pkg/install"
	"github.com/CliForge/envforge/pkg/output"
	"github.com/CliForge/envforge/pkg/reconcile"
)

func (p *Provisioner) resourceRows(plan install.Plan, report batch.Report) []output.Resource {
	rows := make([]output.Resource, len(plan.Items))
	for i, it := range plan.Items {
		row := output.Resource{
			Label:    it.Label(),
			Location: p.detector.MaskString(it.Descriptor.Location),
			Required: it.Required,
			Status:   output.StatusSkipped,
		}
		if i < len(report.Items) {
			res := report.Items[i].Result
			row.Attempts = res.Attempts
			switch {
			case !res.OK():
				row.Status = output.StatusFailed
				row.Error = p.detector.MaskString(res.Err.Error())
			case res.Stale:
				row.Status = output.StatusStale
			case res.FromCache:
				row.Status = output.StatusCached
			default:
				row.Status = output.StatusOK
			}
		}
		rows[i] = row
	}
	// Planning failures follow the planned items so write failures can
	// still be addressed by plan index.
	for _, f := range plan.Failures {
		rows = append(rows, output.Resource{
			Label:    f.Label,
			Location: p.detector.MaskString(f.Location),
			Required: f.Required,
			Status:   output.StatusFailed,
			Error:    p.detector.MaskString(f.Err.Error()),
		})
	}
	return rows
}

func (p *Provisioner) integrationRows(outcomes []reconcile.Outcome) []output.Integration {
	rows := make([]output.Integration, 0, len(outcomes))
	for _, o := range outcomes {
		row := output.Integration{
			Name:    o.Name,
			Prior:   o.Prior.String(),
			Final:   o.Final.String(),
			Retired: o.Retired,
			Status:  output.StatusOK,
		}
		if o.Failed() {
			row.Status = output.StatusFailed
			row.Error = p.detector.MaskString(o.Err.Error())
		}
		rows = append(rows, row)
	}
	return rows
}

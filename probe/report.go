package probe

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/client"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

// Report holds the offset observations of one probe run in the order they
// were taken.
type Report struct {
	observations []types.OffsetObservation
}

func NewReport() *Report { return &Report{} }

func (r *Report) Add(obs types.OffsetObservation) {
	r.observations = append(r.observations, obs)
}

// Observations returns the recorded observations in recording order.
func (r *Report) Observations() []types.OffsetObservation {
	return slices.Clone(r.observations)
}

// Observation returns the observation one source took in one phase.
func (r *Report) Observation(source types.ObservationSource, phase types.ObservationPhase) (types.OffsetObservation, bool) {
	for _, obs := range r.observations {
		if obs.Source == source && obs.Phase == phase {
			return obs, true
		}
	}
	return types.OffsetObservation{}, false
}

// CaughtAdminErr returns the error the admin path hit after deletion, nil
// if none was recorded.
func (r *Report) CaughtAdminErr() error {
	obs, ok := r.Observation(types.SourceAdmin, types.PhaseAfterDeletion)
	if !ok {
		return nil
	}
	return obs.Err
}

// Divergent reports whether the two paths disagreed after deletion: the
// consumer resolved a clean offset while the admin was told the topic does
// not exist.
func (r *Report) Divergent() bool {
	consumer, okConsumer := r.Observation(types.SourceConsumer, types.PhaseAfterDeletion)
	admin, okAdmin := r.Observation(types.SourceAdmin, types.PhaseAfterDeletion)
	if !okConsumer || !okAdmin {
		return false
	}
	return consumer.Err == nil && client.IsUnknownTopic(admin.Err)
}

// Render writes the observation table, one diffable line per observation,
// and the verdict.
func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Phase", "Source", "Partition", "Offset", "Error"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, obs := range r.observations {
		offset, errText := strconv.FormatInt(obs.Offset, 10), ""
		if obs.Err != nil {
			offset, errText = "-", obs.Err.Error()
		}
		table.Append([]string{string(obs.Phase), string(obs.Source), obs.Partition.String(), offset, errText})
	}
	table.Render()

	fmt.Fprintln(w)
	for _, obs := range r.observations {
		fmt.Fprintln(w, obs.String())
	}

	fmt.Fprintln(w)
	if r.Divergent() {
		consumer, _ := r.Observation(types.SourceConsumer, types.PhaseAfterDeletion)
		fmt.Fprintln(w, color.YellowString("divergence reproduced: consumer position %d vs admin unknown topic", consumer.Offset))
	} else {
		fmt.Fprintln(w, color.GreenString("no divergence observed"))
	}
}

package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/kass/go-crowd-monitor/pkg/density"
	"github.com/kass/go-crowd-monitor/pkg/geo"
	"github.com/kass/go-crowd-monitor/pkg/models"
)

var (
	classifyCount  int
	classifyRadius int
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify an occupancy count for a radius",
	RunE: func(cmd *cobra.Command, args []string) error {
		radius, err := models.ParseRadius(classifyRadius)
		if err != nil {
			return err
		}
		classifier, err := density.NewClassifier(cfg.Density.Thresholds)
		if err != nil {
			return err
		}

		baseline := density.BaselineFor(radius, cfg.Density.PeoplePerMeter)
		tier := classifier.Classify(classifyCount, baseline)
		fmt.Fprintf(cmd.OutOrStdout(), "count=%d baseline=%d radius=%dm density=%s\n", classifyCount, baseline, radius, tier)
		return nil
	},
}

var distanceCmd = &cobra.Command{
	Use:   "distance <lat1> <lng1> <lat2> <lng2>",
	Short: "Print the great-circle distance between two points in meters",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseFloats(args)
		if err != nil {
			return err
		}
		a := models.Coordinate{Lat: values[0], Lng: values[1]}
		b := models.Coordinate{Lat: values[2], Lng: values[3]}
		for _, c := range []models.Coordinate{a, b} {
			if err := geo.Validate(c); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%.1f\n", geo.DistanceMeters(a, b))
		return nil
	},
}

func init() {
	classifyCmd.Flags().IntVarP(&classifyCount, "count", "n", 0, "Observed number of people")
	classifyCmd.Flags().IntVarP(&classifyRadius, "radius", "r", 50, "Radius in meters: 25, 50 or 100")
	_ = classifyCmd.MarkFlagRequired("count")

	rootCmd.AddCommand(classifyCmd, distanceCmd)
}

func parseFloats(args []string) ([]float64, error) {
	values := make([]float64, len(args))
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, eris.Wrapf(models.ErrInvalidConfiguration, "argument %d: %q is not a number", i+1, arg)
		}
		values[i] = v
	}
	return values, nil
}

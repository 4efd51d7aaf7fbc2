package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/raphaelgruber/dishcapture/internal/models"
	"github.com/spf13/cobra"
)

var (
	dishesRestaurant string
	dishesLimit      int
)

var dishesCmd = &cobra.Command{
	Use:   "dishes [dish-id]",
	Short: "List catalog dishes and their model status",
	Long: `List catalog dishes, or show a single dish when an ID is given.

Examples:
  dishcapture dishes --restaurant r-42
  dishcapture dishes 7f3c9a`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := getApp(ctx)
		if err != nil {
			return err
		}

		var dishes []models.DishRecord
		if len(args) == 1 {
			dish, err := a.Catalog.GetDish(ctx, args[0])
			if err != nil {
				return err
			}
			dishes = append(dishes, dish)
		} else {
			dishes, err = a.Catalog.ListDishes(ctx, dishesRestaurant, dishesLimit)
			if err != nil {
				return err
			}
		}
		if len(dishes) == 0 {
			fmt.Println("No dishes found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRICE\tSTATUS\tMODEL")
		for _, d := range dishes {
			model := "-"
			if d.Model3DURL != nil {
				model = *d.Model3DURL
			} else if d.GenerationStatus != nil {
				model = string(*d.GenerationStatus)
			}
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n", d.ID, d.Name, d.Price, d.Status, model)
		}
		return w.Flush()
	},
}

func init() {
	dishesCmd.Flags().StringVar(&dishesRestaurant, "restaurant", "", "filter by restaurant ID")
	dishesCmd.Flags().IntVarP(&dishesLimit, "limit", "l", 50, "maximum number of dishes")
}

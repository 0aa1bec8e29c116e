package cmds

import (
	"context"
	"math/rand"
	"strconv"

	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/pkg/errors"
)

type RollDieArgs struct {
	Sides int `json:"sides" jsonschema:"description=Number of sides of the die"`
}

func rollDie(ctx context.Context, args RollDieArgs) (string, error) {
	if args.Sides < 2 {
		return "", tools.NewModelRetry("a die needs at least 2 sides, got %d", args.Sides)
	}
	return strconv.Itoa(rand.Intn(args.Sides) + 1), nil
}

func getPlayerName(ctx context.Context) (string, error) {
	name, ok := tools.DepsFrom[string](ctx)
	if !ok || name == "" {
		return "", errors.New("no player name in run dependencies")
	}
	return name, nil
}

// DemoTools are the tools available to scripted runs.
func DemoTools() ([]*tools.Tool, error) {
	roll, err := tools.NewToolFromFunc("roll_die", "Roll a die with the given number of sides", rollDie)
	if err != nil {
		return nil, err
	}
	player, err := tools.NewToolFromFunc("get_player_name", "Get the name of the player", getPlayerName)
	if err != nil {
		return nil, err
	}
	return []*tools.Tool{roll, player}, nil
}

// RollSummary is the structured result of `run --structured`.
type RollSummary struct {
	Player string `json:"player" jsonschema:"description=Name of the player"`
	Roll   int    `json:"roll" jsonschema:"description=Value rolled"`
}

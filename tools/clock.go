package tools

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/lexcodex/promptloop/framework"
)

var currentTimeDescriptor = framework.ToolDescriptor{
	Name:  "current_time",
	Brief: "Get the current date and time.",
	Params: []framework.ToolParameter{
		{Name: "timezone", Type: framework.ParamString, Description: "IANA zone name such as Europe/Oslo.", Default: "UTC"},
		{Name: "format", Type: framework.ParamString, Description: "Go reference layout.", Default: time.RFC3339},
	},
}

// CurrentTimeTool builds current_time. now may be nil.
func CurrentTimeTool(now func() time.Time) framework.Tool {
	if now == nil {
		now = time.Now
	}
	return framework.MustTool(currentTimeDescriptor, func(ctx context.Context, _ framework.Chatlog, args framework.Args) (string, error) {
		loc, err := time.LoadLocation(args.String("timezone"))
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", args.String("timezone"))
		}
		return now().In(loc).Format(args.String("format")), nil
	})
}

package commands

var Logout = Define(Definition{
	Name:        "logout",
	Usage:       "logout",
	Description: "leave the hall",
}, func(ctx *Context) {
	ctx.World.Logout(ctx.Person)
})

package contextx

import "context"

type Context struct {
	context.Context

	dbTx interface{}
	data map[string]interface{}
}

func (ctx *Context) Clone() *Context {
	newCtx := &Context{
		Context: context.Background(),
		data:    map[string]interface{}{},
	}
	for k, v := range ctx.data {
		newCtx.data[k] = v
	}
	return newCtx
}

func (ctx *Context) Set(name string, value interface{}) {
	ctx.data[name] = value
}

func (ctx *Context) GetDB() interface{} {
	return ctx.dbTx
}

func (ctx *Context) SetDB(tx interface{}) {
	ctx.dbTx = tx
}

func (ctx *Context) GetMap() map[string]interface{} {
	return ctx.data
}

func (ctx *Context) getString(name string) string {
	if v, ok := ctx.data[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (ctx *Context) GetProjectID() string {
	return ctx.getString("project_id")
}

func (ctx *Context) GetActor() string {
	return ctx.getString("actor")
}

func (ctx *Context) GetRequestID() string {
	return ctx.getString("requestId")
}

func NewContext() *Context {
	return &Context{
		Context: context.Background(),
		data:    map[string]interface{}{},
	}
}

func NewContextFromMap(data map[string]interface{}) *Context {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Context{
		Context: context.Background(),
		data:    data,
	}
}

package sqlinline

const QTaskSchema = `--sql 7c1d2e4a-93b5-4f0e-b8a1-2d6e5f3c9a10
create table if not exists bridge_tasks (
    id            text primary key,
    session_id    uuid not null,
    title         text not null default '',
    state         text not null,
    progress      int not null default 0,
    message       text not null default '',
    polls         int not null default 0,
    error_message text,
    started_at    timestamptz not null,
    updated_at    timestamptz not null default now()
);
create index if not exists bridge_tasks_started_at_idx on bridge_tasks (started_at desc);
`

const QTaskUpsert = `--sql 0b8f6a2c-5d1e-4c7a-9e3f-61a2b4c8d7e5
insert into bridge_tasks (id, session_id, title, state, progress, message, polls, error_message, started_at, updated_at)
values ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10)
on conflict (id) do update
set state         = excluded.state,
    progress      = greatest(bridge_tasks.progress, excluded.progress),
    message       = excluded.message,
    polls         = excluded.polls,
    error_message = coalesce(excluded.error_message, bridge_tasks.error_message),
    updated_at    = excluded.updated_at;
`

const QTaskGet = `--sql 4e2a9c7b-1f3d-4b6e-8a5c-93d0e7f21b46
select id, session_id::text, title, state, progress, message, polls, error_message, started_at, updated_at
from bridge_tasks
where id = $1;
`

const QTaskListRecent = `--sql a5d3f1e8-6c2b-47a9-b0e4-8f1c3d5a7b92
select id, session_id::text, title, state, progress, message, polls, error_message, started_at, updated_at
from bridge_tasks
order by started_at desc
limit $1;
`

const QTaskDelete = `--sql e91b7d4c-2a6f-4e8b-9c3d-5f0a1b2c3d4e
delete from bridge_tasks where id = $1;
`
